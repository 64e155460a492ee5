package stream

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
)

// Registry is the desired set of (symbol, data type) subscriptions. It outlives
// individual sessions and is replayed after every reconnect.
type Registry struct {
	mu   sync.RWMutex
	subs map[marketdata.Subscription]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[marketdata.Subscription]struct{})}
}

func normalize(sub marketdata.Subscription) (marketdata.Subscription, bool) {
	sub.Symbol = strings.ToUpper(strings.TrimSpace(sub.Symbol))
	return sub, sub.Symbol != "" && sub.DataType != ""
}

// Add inserts subs and returns the ones that were not already present.
func (r *Registry) Add(subs ...marketdata.Subscription) []marketdata.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []marketdata.Subscription
	for _, sub := range subs {
		sub, ok := normalize(sub)
		if !ok {
			continue
		}
		if _, exists := r.subs[sub]; exists {
			continue
		}
		r.subs[sub] = struct{}{}
		added = append(added, sub)
	}
	return added
}

// Remove deletes subs and returns the ones that were present.
func (r *Registry) Remove(subs ...marketdata.Subscription) []marketdata.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []marketdata.Subscription
	for _, sub := range subs {
		sub, ok := normalize(sub)
		if !ok {
			continue
		}
		if _, exists := r.subs[sub]; !exists {
			continue
		}
		delete(r.subs, sub)
		removed = append(removed, sub)
	}
	return removed
}

// Has reports whether sub is registered.
func (r *Registry) Has(sub marketdata.Subscription) bool {
	sub, ok := normalize(sub)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.subs[sub]
	return exists
}

// List returns the registered subscriptions ordered by data type then symbol.
func (r *Registry) List() []marketdata.Subscription {
	r.mu.RLock()
	out := make([]marketdata.Subscription, 0, len(r.subs))
	for sub := range r.subs {
		out = append(out, sub)
	}
	r.mu.RUnlock()
	sortSubscriptions(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func sortSubscriptions(subs []marketdata.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].DataType != subs[j].DataType {
			return subs[i].DataType < subs[j].DataType
		}
		return subs[i].Symbol < subs[j].Symbol
	})
}

// Group buckets symbols by data type, as the wire protocol expects.
func Group(subs []marketdata.Subscription) map[marketdata.DataType][]string {
	out := make(map[marketdata.DataType][]string)
	for _, sub := range subs {
		out[sub.DataType] = append(out[sub.DataType], sub.Symbol)
	}
	for dt := range out {
		sort.Strings(out[dt])
	}
	return out
}

// Expand pairs every symbol with every data type.
func Expand(symbols []string, types []marketdata.DataType) []marketdata.Subscription {
	out := make([]marketdata.Subscription, 0, len(symbols)*len(types))
	for _, dt := range types {
		for _, sym := range symbols {
			out = append(out, marketdata.Subscription{Symbol: sym, DataType: dt})
		}
	}
	return out
}

// ReadSymbolsFile loads one symbol per line. Blank lines and lines starting with # are skipped.
func ReadSymbolsFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open symbols file: %w", err)
	}
	defer file.Close()

	var out []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}
	return out, nil
}

// MergeSymbols upper-cases and de-duplicates, keeping file symbols ahead of extra ones.
func MergeSymbols(fromFile, extra []string) []string {
	seen := make(map[string]struct{}, len(fromFile)+len(extra))
	var out []string
	for _, list := range [][]string{fromFile, extra} {
		for _, sym := range list {
			for _, part := range strings.Split(sym, ",") {
				part = strings.ToUpper(strings.TrimSpace(part))
				if part == "" {
					continue
				}
				if _, ok := seen[part]; ok {
					continue
				}
				seen[part] = struct{}{}
				out = append(out, part)
			}
		}
	}
	return out
}
