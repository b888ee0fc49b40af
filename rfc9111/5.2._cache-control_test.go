package rfc9111

import (
	"net/http"
	"testing"
	"time"
)

func TestMaxAge(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=60"})
	val, ok := cc.Get("max-age")
	if !ok {
		t.Fatal("Could not get directive")
	}
	if val != "60" {
		t.Fatalf("Value is %s", val)
	}
	if d, ok := cc.MaxAge(); !ok || d != time.Minute {
		t.Fatalf("MaxAge is %v, %v", d, ok)
	}
}

func TestReal(t *testing.T) {
	cc := ParseCacheControl([]string{"public, max-age=0, s-maxage=600"})
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("max-age"); !ok || val != "0" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.SMaxAge(); !ok || val != 600*time.Second {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
}

func TestUnspacedAndQuoted(t *testing.T) {
	cc := ParseCacheControl([]string{`No-Cache="Set-Cookie, X-Foo",max-age=5`, "max-age=10"})
	if val, _ := cc.Get("no-cache"); val != "Set-Cookie, X-Foo" {
		t.Fatalf("no-cache is '%s'", val)
	}
	if d, _ := cc.MaxAge(); d != 5*time.Second {
		t.Fatalf("First max-age should win, got %v", d)
	}
}

func TestMalformedMaxAgeIsStale(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=abc"})
	if d, ok := cc.MaxAge(); !ok || d != 0 {
		t.Fatalf("MaxAge is %v, %v", d, ok)
	}
}

func TestMaxStale(t *testing.T) {
	if _, _, ok := ParseCacheControl(nil).MaxStale(); ok {
		t.Fatal("max-stale reported without directive")
	}
	if _, bounded, ok := ParseCacheControl([]string{"max-stale"}).MaxStale(); !ok || bounded {
		t.Fatalf("Unbounded max-stale: bounded=%v ok=%v", bounded, ok)
	}
	if limit, bounded, ok := ParseCacheControl([]string{"max-stale=30"}).MaxStale(); !ok || !bounded || limit != 30*time.Second {
		t.Fatalf("Bounded max-stale: %v %v %v", limit, bounded, ok)
	}
}

func TestPragmaNoCache(t *testing.T) {
	if !PragmaNoCache(http.Header{"Pragma": {"foo, No-Cache"}}) {
		t.Fatal("Pragma no-cache not detected")
	}
	if PragmaNoCache(http.Header{}) {
		t.Fatal("Pragma no-cache detected on empty header")
	}
}
