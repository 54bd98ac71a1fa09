package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/smartmap/internal/mockgemini"
)

func main() {
	addr := defaultString("MOCK_GEMINI_ADDR", ":8090")
	replyDir := defaultString("MOCK_GEMINI_REPLY_DIR", "/data/replies")
	apiKey := defaultString("MOCK_GEMINI_API_KEY", "")

	fs := flag.NewFlagSet("mock-gemini", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&replyDir, "reply-dir", replyDir, "Directory of reply files, served in name order (one per stage call)")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this x-goog-api-key value; empty accepts any")
	_ = fs.Parse(os.Args[1:])

	replies, err := mockgemini.LoadDir(replyDir)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load replies: %v\n", err)
		os.Exit(2)
	}
	srv := mockgemini.New(replies...)
	srv.RequireAPIKey(apiKey)

	_, _ = fmt.Fprintf(os.Stdout, "mock-gemini listening on %s (replies=%d from %s)\n", addr, len(replies), replyDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
