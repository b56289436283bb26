// cmd/extract-text fetches a page and prints the text a worker would count,
// without a broker or job store.
//
// Usage:
//
//	./extract-text -url https://example.com
//	./extract-text -url https://example.com -histogram
//	./extract-text -file page.html -histogram
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/tendant/simple-wordcounter/internal/extract"
	"github.com/tendant/simple-wordcounter/internal/histogram"
)

func main() {
	rawURL := flag.String("url", "", "Page URL to fetch")
	file := flag.String("file", "", "Local HTML file to read instead of fetching")
	hist := flag.Bool("histogram", false, "Print the word histogram as JSON instead of the text")
	timeout := flag.Duration("timeout", 30*time.Second, "Fetch timeout")
	userAgent := flag.String("user-agent", extract.DefaultUserAgent, "User-Agent header for the fetch")
	flag.Parse()

	if (*rawURL == "") == (*file == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -url or -file is required")
		flag.Usage()
		os.Exit(1)
	}

	text, err := load(*rawURL, *file, extract.Options{Timeout: *timeout, UserAgent: *userAgent})
	if err != nil {
		log.Fatalf("extract failed: %v", err)
	}

	if err := write(os.Stdout, text, *hist); err != nil {
		log.Fatalf("write output: %v", err)
	}
}

func load(rawURL, file string, opts extract.Options) (string, error) {
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return extract.FromHTML(f)
	}
	return extract.New(opts).Text(context.Background(), rawURL)
}

func write(w io.Writer, text string, hist bool) error {
	if !hist {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(histogram.Build(text))
}
