package proxypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

// listPattern matches ip:port with optional :user:pass.
var listPattern = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})(?::([^:\s]+):([^:\s]+))?`)

// ParseList extracts every ip:port[:user:pass] entry from free-form text.
// Entries get the given protocol, or http when it is empty.
func ParseList(text, protocol string) []Proxy {
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	var out []Proxy
	for _, m := range listPattern.FindAllStringSubmatch(text, -1) {
		port, err := strconv.Atoi(m[2])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out = append(out, Proxy{
			Host:     m[1],
			Port:     port,
			Username: m[3],
			Password: m[4],
			Protocol: protocol,
		})
	}
	return out
}

// ImportFile adds every proxy listed in the file at path and returns how
// many were new.
func (p *Pool) ImportFile(path, protocol string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("proxypool: import %s: %w", path, err)
	}
	added := p.addAll(ParseList(string(data), protocol))
	p.logger.Info("imported proxies from file", "path", path, "added", added)
	return added, nil
}

// ImportURL downloads a proxy list and adds every entry found in it.
func (p *Pool) ImportURL(ctx context.Context, rawURL, protocol string) (int, error) {
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(30 * time.Second)

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(rawURL); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()
	if fetchErr != nil {
		return 0, fmt.Errorf("proxypool: import %s: %w", rawURL, fetchErr)
	}
	if body == nil {
		return 0, fmt.Errorf("proxypool: import %s: empty response", rawURL)
	}

	added := p.addAll(ParseList(string(body), protocol))
	p.logger.Info("imported proxies from url", "url", rawURL, "added", added)
	return added, nil
}

// addAll adds proxies under a single lock and stops once the pool is full.
func (p *Pool) addAll(proxies []Proxy) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, px := range proxies {
		ok, err := p.addLocked(px)
		if errors.Is(err, ErrPoolFull) {
			p.logger.Warn("proxy pool full, import truncated", "max", p.opts.MaxProxies)
			break
		}
		if ok {
			added++
		}
	}
	return added
}
