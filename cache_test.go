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

func newAuthenticatedClient(t *testing.T, apiUrl string) (*TaskApi, *SessionManager, *TaskCache) {
	api := NewTaskApi(apiUrl)
	store := NewMemoryCredentialStore()
	session := NewSessionManager(api, store)
	if err := session.Login("alice", "correct"); err != nil {
		t.Fatal(err)
	}
	cache := NewTaskCacheWithDefaults(context.Background(), api, session)
	return api, session, cache
}

func TestCacheFetchRequiresSession(t *testing.T) {
	fetchCount := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		fetchCount += 1
		writeJson(w, &GetTasksResult{Results: []*Task{}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	api := NewTaskApi(server.URL)
	session := NewSessionManager(api, NewMemoryCredentialStore())
	cache := NewTaskCacheWithDefaults(context.Background(), api, session)

	_, err := cache.FetchCurrent()
	assert.Equal(t, err, ErrUnauthenticated)
	assert.Equal(t, fetchCount, 0)
}

func TestCacheSingleFlight(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCount := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCount += 1
		stateLock.Unlock()
		// hold the request open long enough for both callers to join it
		time.Sleep(100 * time.Millisecond)
		writeJson(w, &GetTasksResult{
			Count:   3,
			Results: testTasks(3),
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)

	key := QueryKey{Page: 1, UserId: 1}

	entries := make(chan *CacheEntry, 2)
	for i := 0; i < 2; i++ {
		go func() {
			entry, err := cache.Fetch(key)
			assert.Equal(t, err, nil)
			entries <- entry
		}()
	}

	a := <-entries
	b := <-entries
	assert.Equal(t, fetchCount, 1)
	assert.Equal(t, a.Status, CacheStatusReady)
	assert.Equal(t, a.Tasks, b.Tasks)
	assert.Equal(t, len(a.Tasks), 3)

	// a later fetch for the ready key issues no new request
	_, err := cache.Fetch(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, fetchCount, 1)
}

func TestCachePageMeta(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		next := "http://example.com/api/tasks/?page=2"
		writeJson(w, &GetTasksResult{
			Count:   25,
			Next:    &next,
			Results: testTasks(10),
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)

	entry, err := cache.Fetch(QueryKey{Page: 1, UserId: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.PageMeta.TotalCount, 25)
	assert.Equal(t, entry.PageMeta.HasNext, true)
	assert.Equal(t, entry.PageMeta.HasPrevious, false)
	assert.Equal(t, cache.PageCount(entry.PageMeta.TotalCount), 3)
	assert.Equal(t, cache.PageCount(0), 0)
}

func TestCachePagePastEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJson(w, map[string]string{"detail": "Invalid page."})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)

	// a page past the end is an empty valid entry, not an error
	entry, err := cache.Fetch(QueryKey{Page: 99, UserId: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Status, CacheStatusReady)
	assert.Equal(t, len(entry.Tasks), 0)
	assert.Equal(t, entry.PageMeta.HasPrevious, true)
}

func TestCacheErrorRetry(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCount := 0
	fail := true

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCount += 1
		failNow := fail
		stateLock.Unlock()
		if failNow {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("server exploded"))
			return
		}
		writeJson(w, &GetTasksResult{Count: 2, Results: testTasks(2)})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)

	key := QueryKey{Page: 1, UserId: 1}

	entry, err := cache.Fetch(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Status, CacheStatusError)
	assert.NotEqual(t, entry.LastError, nil)

	// the error entry stays settled. Repeated fetches do not hammer the server.
	entry, err = cache.Fetch(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Status, CacheStatusError)
	assert.Equal(t, fetchCount, 1)

	// an explicit retry of the same key works without a filter change
	stateLock.Lock()
	fail = false
	stateLock.Unlock()

	entry, err = cache.Retry(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Status, CacheStatusReady)
	assert.Equal(t, len(entry.Tasks), 2)
	assert.Equal(t, fetchCount, 2)
}

func TestCacheInvalidatePredicate(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCounts := map[string]int{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCounts[r.URL.Query().Get("status")] += 1
		stateLock.Unlock()
		writeJson(w, &GetTasksResult{Count: 1, Results: testTasks(1)})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)

	cache.SetFilter(TaskFilter{Status: TaskStatusTodo})
	todoKey := cache.CurrentKey()
	doneKey := QueryKey{Status: TaskStatusDone, Page: 1, UserId: 1}

	_, err := cache.Fetch(todoKey)
	assert.Equal(t, err, nil)
	_, err = cache.Fetch(doneKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, fetchCounts["TODO"], 1)
	assert.Equal(t, fetchCounts["DONE"], 1)

	// only the matching, currently displayed key is refetched
	cache.Invalidate(func(key QueryKey) bool {
		return key.Status == TaskStatusTodo
	})

	waitFor(t, 5*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return fetchCounts["TODO"] == 2
	})
	stateLock.Lock()
	assert.Equal(t, fetchCounts["DONE"], 1)
	stateLock.Unlock()
}

func TestCacheSetFilterResetsPage(t *testing.T) {
	api := NewTaskApi("http://127.0.0.1:1")
	session := NewSessionManager(api, NewMemoryCredentialStore())
	cache := NewTaskCacheWithDefaults(context.Background(), api, session)

	cache.SetPage(3)
	assert.Equal(t, cache.CurrentKey().Page, 3)

	// atomically resets to the first page
	cache.SetFilter(TaskFilter{Priority: TaskPriorityHigh})
	key := cache.CurrentKey()
	assert.Equal(t, key.Page, 1)
	assert.Equal(t, key.Priority, TaskPriorityHigh)
}

func TestCacheSupersede(t *testing.T) {
	stateLock := sync.Mutex{}
	fetchCount := 0
	releaseFirst := make(chan struct{})
	firstStarted := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		stateLock.Lock()
		fetchCount += 1
		c := fetchCount
		stateLock.Unlock()

		if c == 1 {
			close(firstStarted)
			// a slow stale response
			<-releaseFirst
			stale := testTasks(1)
			stale[0].Title = "stale"
			writeJson(w, &GetTasksResult{Count: 1, Results: stale})
			return
		}
		fresh := testTasks(1)
		fresh[0].Title = "fresh"
		writeJson(w, &GetTasksResult{Count: 1, Results: fresh})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, _, cache := newAuthenticatedClient(t, server.URL)
	key := cache.CurrentKey()

	go cache.Fetch(key)
	<-firstStarted

	// a newer fetch for the same key supersedes the in-flight one
	cache.Invalidate(func(QueryKey) bool { return true })

	waitFor(t, 5*time.Second, func() bool {
		entry, err := cache.Fetch(key)
		if err != nil {
			return false
		}
		return entry.Status == CacheStatusReady
	})

	// now let the stale response arrive. It must be discarded.
	close(releaseFirst)
	time.Sleep(100 * time.Millisecond)

	entry, err := cache.Fetch(key)
	assert.Equal(t, err, nil)
	assert.Equal(t, entry.Tasks[0].Title, "fresh")
}

func TestCacheSessionLossSettlesInFlight(t *testing.T) {
	released := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/token/", tokenHandler)
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		<-released
		writeJson(w, &GetTasksResult{Results: []*Task{}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, session, cache := newAuthenticatedClient(t, server.URL)
	key := cache.CurrentKey()

	errs := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(key)
		errs <- err
	}()

	waitFor(t, 5*time.Second, func() bool {
		cache.stateLock.Lock()
		defer cache.stateLock.Unlock()
		state, ok := cache.entries[key]
		return ok && state.loading
	})

	session.Logout()

	// the waiting fetch settles instead of blocking on an untrusted response
	err := <-errs
	assert.Equal(t, err, ErrUnauthenticated)

	cache.stateLock.Lock()
	entryStatus := cache.entries[key].entry.Status
	entryErr := cache.entries[key].entry.LastError
	cache.stateLock.Unlock()
	assert.Equal(t, entryStatus, CacheStatusError)
	assert.Equal(t, entryErr, ErrUnauthenticated)

	close(released)
}
