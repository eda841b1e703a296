package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultServerURL = "http://127.0.0.1:8080"

// statusCmd prints the tenant roster, or one tenant's scheduler status when a
// tenant id is given as a positional argument.
func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	_ = fs.Parse(args)

	path := "/admin/v1/tenants"
	if fs.NArg() > 0 {
		path += "/" + url.PathEscape(strings.TrimSpace(fs.Arg(0)))
	}
	httpDo(http.MethodGet, *baseURL, path, nil)
}

func lifecycleCmd(op string, args []string) {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: admin %s TENANT\n", op)
		os.Exit(2)
	}
	id := url.PathEscape(strings.TrimSpace(fs.Arg(0)))
	httpDo(http.MethodPost, *baseURL, "/admin/v1/tenants/"+id+"/"+op, nil)
}

func shockCmd(args []string) {
	fs := flag.NewFlagSet("shock", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	tenant := fs.String("tenant", "", "tenant id (required)")
	typ := fs.String("type", "", "shock type (price_surge, resource_collapse, ...)")
	intensity := fs.Float64("intensity", 0.5, "intensity in [0,1]")
	tick := fs.Uint64("tick", 0, "scheduled tick; 0 schedules for the next tick")
	duration := fs.Uint64("duration", 0, "duration in ticks (communication_blackout)")
	resource := fs.String("resource", "", "resource pool name (collapse/boom)")
	preset := fs.String("preset", "", "composite preset id from the catalog")
	pending := fs.Bool("pending", false, "list pending shocks instead of scheduling")
	clear := fs.Bool("clear", false, "clear all pending shocks")
	_ = fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		fmt.Fprintln(os.Stderr, "shock: -tenant is required")
		os.Exit(2)
	}
	base := "/admin/v1/tenants/" + url.PathEscape(strings.TrimSpace(*tenant)) + "/shocks"

	switch {
	case *pending:
		httpDo(http.MethodGet, *baseURL, base, nil)
	case *clear:
		httpDo(http.MethodDelete, *baseURL, base, nil)
	case strings.TrimSpace(*preset) != "":
		httpDo(http.MethodPost, *baseURL, base+"/composite?preset="+url.QueryEscape(strings.TrimSpace(*preset)), nil)
	default:
		if strings.TrimSpace(*typ) == "" {
			fmt.Fprintln(os.Stderr, "shock: -type or -preset is required")
			os.Exit(2)
		}
		body := map[string]any{
			"type":      strings.TrimSpace(*typ),
			"intensity": *intensity,
		}
		if *tick > 0 {
			body["scheduled_tick"] = *tick
		}
		if *duration > 0 {
			body["duration_ticks"] = *duration
		}
		if strings.TrimSpace(*resource) != "" {
			body["resource"] = strings.TrimSpace(*resource)
		}
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode request:", err)
			os.Exit(1)
		}
		httpDo(http.MethodPost, *baseURL, base, b)
	}
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	tenant := fs.String("tenant", "", "tenant id (required)")
	since := fs.Uint64("since", 0, "resume cursor from a previous page")
	limit := fs.Int("limit", 50, "page size")
	category := fs.String("category", "", "filter by event category")
	eventType := fs.String("type", "", "filter by event type")
	agent := fs.String("agent", "", "filter by agent id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		fmt.Fprintln(os.Stderr, "events: -tenant is required")
		os.Exit(2)
	}
	q := url.Values{}
	if *since > 0 {
		q.Set("since_cursor", strconv.FormatUint(*since, 10))
	}
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	if strings.TrimSpace(*category) != "" {
		q.Set("category", strings.TrimSpace(*category))
	}
	if strings.TrimSpace(*eventType) != "" {
		q.Set("event_type", strings.TrimSpace(*eventType))
	}
	if strings.TrimSpace(*agent) != "" {
		q.Set("agent_id", strings.TrimSpace(*agent))
	}
	path := "/admin/v1/tenants/" + url.PathEscape(strings.TrimSpace(*tenant)) + "/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	httpDo(http.MethodGet, *baseURL, path, nil)
}

func usageCmd(args []string) {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	baseURL := fs.String("url", defaultServerURL, "server base url")
	tenant := fs.String("tenant", "", "tenant id (required)")
	day := fs.String("day", "", "UTC day (YYYY-MM-DD); defaults to today")
	_ = fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		fmt.Fprintln(os.Stderr, "usage: -tenant is required")
		os.Exit(2)
	}
	path := "/admin/v1/tenants/" + url.PathEscape(strings.TrimSpace(*tenant)) + "/usage"
	if strings.TrimSpace(*day) != "" {
		path += "?day=" + url.QueryEscape(strings.TrimSpace(*day))
	}
	httpDo(http.MethodGet, *baseURL, path, nil)
}

// httpDo prints the response body as-is so output can be piped into jq, and
// exits non-zero on transport failures or non-2xx statuses.
func httpDo(method, base, path string, body []byte) {
	u := strings.TrimRight(strings.TrimSpace(base), "/") + path
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 15 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
