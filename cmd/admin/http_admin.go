package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// fetchCmd prints the relay's /state or /data payload for one room.
func fetchCmd(endpoint string, args []string) {
	fs := flag.NewFlagSet(endpoint, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "relay base url")
	room := fs.String("room", "", "room name (default: relay default room)")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/" + endpoint
	if r := strings.TrimSpace(*room); r != "" {
		u += "?room=" + url.QueryEscape(r)
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
