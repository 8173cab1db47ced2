package egress

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"testing"
)

type fakeWriter struct {
	calls [][]string
	err   error
}

func (f *fakeWriter) ReplaceSet(_ context.Context, ips []string) error {
	if f.err != nil {
		return f.err
	}
	cp := append([]string(nil), ips...)
	sort.Strings(cp)
	f.calls = append(f.calls, cp)
	return nil
}

func fakeResolver(table map[string][]string, failing map[string]bool) Resolver {
	return func(_ context.Context, host string) ([]string, error) {
		if failing[host] {
			return nil, fmt.Errorf("resolution failed for %s", host)
		}
		return table[host], nil
	}
}

func TestRefreshReplacesSetWithResolvedIPs(t *testing.T) {
	w := &fakeWriter{}
	r := New([]string{"a.example.com", "b.example.com"}, w)
	r.resolve = fakeResolver(map[string][]string{
		"a.example.com": {"1.1.1.1"},
		"b.example.com": {"2.2.2.2"},
	}, nil)

	ips, err := r.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	sort.Strings(ips)
	if !reflect.DeepEqual(ips, []string{"1.1.1.1", "2.2.2.2"}) {
		t.Fatalf("unexpected ips: %v", ips)
	}
	if len(w.calls) != 1 {
		t.Fatalf("expected 1 ReplaceSet call, got %d", len(w.calls))
	}
}

func TestRefreshFailsClosedWhenAllHostsFail(t *testing.T) {
	w := &fakeWriter{}
	r := New([]string{"a.example.com"}, w)
	r.resolve = fakeResolver(nil, map[string]bool{"a.example.com": true})

	_, err := r.RefreshNow(context.Background())
	if err == nil {
		t.Fatal("expected error when all hosts fail to resolve")
	}
	if len(w.calls) != 0 {
		t.Fatal("expected ReplaceSet not to be called when every host fails")
	}
}

func TestRefreshUsesPartialSuccessSubset(t *testing.T) {
	w := &fakeWriter{}
	r := New([]string{"good.example.com", "bad.example.com"}, w)
	r.resolve = fakeResolver(map[string][]string{
		"good.example.com": {"9.9.9.9"},
	}, map[string]bool{"bad.example.com": true})

	ips, err := r.RefreshNow(context.Background())
	if err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if !reflect.DeepEqual(ips, []string{"9.9.9.9"}) {
		t.Fatalf("unexpected ips: %v", ips)
	}
	if len(w.calls) != 1 {
		t.Fatal("expected ReplaceSet called for partial success")
	}
}
