package taskdeck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCategoryCache(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCount := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/categories/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCount += 1
		stateLock.Unlock()
		writeJson(w, &GetCategoriesResult{
			Count: 2,
			Results: []*Category{
				{CategoryId: 1, Name: "work"},
				{CategoryId: 2, Name: "home"},
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api, _, _ := newAuthenticatedClient(t, server.URL)
	cache := NewCategoryCacheWithDefaults(context.Background(), api)

	categories, err := cache.Get()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(categories), 2)
	assert.Equal(t, categories[0].Name, "work")

	// repeat reads are served from the ttl cache
	_, err = cache.Get()
	assert.Equal(t, err, nil)
	stateLock.Lock()
	count := fetchCount
	stateLock.Unlock()
	assert.Equal(t, count, 1)

	// invalidate forces one refetch
	cache.Invalidate()
	_, err = cache.Get()
	assert.Equal(t, err, nil)
	stateLock.Lock()
	count = fetchCount
	stateLock.Unlock()
	assert.Equal(t, count, 2)
}

func TestCategoryCacheSingleFlight(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCount := 0
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/categories/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCount += 1
		stateLock.Unlock()
		<-release
		writeJson(w, &GetCategoriesResult{
			Count:   1,
			Results: []*Category{{CategoryId: 1, Name: "work"}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api, _, _ := newAuthenticatedClient(t, server.URL)
	cache := NewCategoryCacheWithDefaults(context.Background(), api)

	results := make(chan int, 2)
	for i := 0; i < 2; i += 1 {
		go func() {
			categories, err := cache.Get()
			assert.Equal(t, err, nil)
			results <- len(categories)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)

	assert.Equal(t, <-results, 1)
	assert.Equal(t, <-results, 1)

	stateLock.Lock()
	count := fetchCount
	stateLock.Unlock()
	assert.Equal(t, count, 1)
}
