package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name        string
		rawURL      string
		ignoreQuery bool
		want        string
	}{
		{
			name:   "no query",
			rawURL: "https://app.example.com/api/media/42/clip.mp4",
			want:   "https://app.example.com/api/media/42/clip.mp4",
		},
		{
			name:   "sorted query",
			rawURL: "https://app.example.com/img.png?z=1&a=2&a=1",
			want:   "https://app.example.com/img.png?a=1&a=2&z=1",
		},
		{
			name:        "query ignored",
			rawURL:      "https://app.example.com/img.png?w=200",
			ignoreQuery: true,
			want:        "https://app.example.com/img.png",
		},
		{
			name:   "host lowercased",
			rawURL: "https://App.Example.COM/Path",
			want:   "https://app.example.com/Path",
		},
		{
			name:   "empty path",
			rawURL: "https://app.example.com",
			want:   "https://app.example.com/",
		},
		{
			name:   "escaped path kept",
			rawURL: "https://app.example.com/a%20b.jpg",
			want:   "https://app.example.com/a%20b.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			if err != nil {
				t.Fatalf("url.Parse() error = %v", err)
			}
			got := CacheKey{URL: u, IgnoreQuery: tt.ignoreQuery}.String()
			if got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheKey_Deterministic(t *testing.T) {
	a, _ := url.Parse("https://h/p?b=2&a=1")
	b, _ := url.Parse("https://h/p?a=1&b=2")
	if (CacheKey{URL: a}).String() != (CacheKey{URL: b}).String() {
		t.Error("keys differ for reordered query")
	}
	if (CacheKey{}).String() != "" {
		t.Error("nil URL should produce empty key")
	}
}

func TestKeyPath(t *testing.T) {
	if got := KeyPath("https://h/api/orders/1?x=1"); got != "/api/orders/1" {
		t.Errorf("KeyPath() = %q", got)
	}
	if got := KeyPath("://bad"); got != "" {
		t.Errorf("KeyPath(bad) = %q, want empty", got)
	}
}
