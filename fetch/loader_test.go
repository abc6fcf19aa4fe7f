package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ziamarket/zia/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/golang/glog.(*loggingT).flushDaemon"))
}

func TestLoad(t *testing.T) {
	l := NewLoader("numbers", func(ctx context.Context) ([]int, error) {
		return []int{1, 2}, nil
	})
	defer l.Close()

	assert.Equal(t, State[[]int]{}, l.State())
	require.NoError(t, l.Load(context.Background()))
	assert.Equal(t, State[[]int]{Data: []int{1, 2}}, l.State())
}

func TestLoadError(t *testing.T) {
	calls := 0
	l := NewLoader("numbers", func(ctx context.Context) ([]int, error) {
		calls++
		if calls == 1 {
			return []int{1}, nil
		}
		return nil, errors.New("boom")
	})
	defer l.Close()

	require.NoError(t, l.Load(context.Background()))
	assert.EqualError(t, l.Load(context.Background()), "boom")

	s := l.State()
	assert.Nil(t, s.Data)
	assert.False(t, s.Loading)
	assert.EqualError(t, s.Err, "boom")
}

// blockingLoader returns a loader whose load blocks until canceled or released.
func blockingLoader() (*Loader[string], chan struct{}, chan struct{}) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	l := NewLoader("blocking", func(ctx context.Context) (string, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return "fresh", nil
		}
	})
	return l, started, release
}

func TestAbortIsNotAnError(t *testing.T) {
	started := make(chan struct{}, 1)
	var calls int32
	l := NewLoader("blocking", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "fresh", nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	defer l.Close()

	require.NoError(t, l.Load(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Load(context.Background()) }()
	<-started
	assert.Equal(t, State[string]{Data: "fresh", Loading: true}, l.State())

	l.Abort()
	require.NoError(t, <-done)
	assert.Equal(t, State[string]{Data: "fresh"}, l.State())
}

func TestSingleFlight(t *testing.T) {
	var calls int32
	l, started, release := blockingLoader()
	fn := l.fn
	l.fn = func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return fn(ctx)
	}
	defer l.Close()

	l.Refetch()
	<-started
	l.Refetch()
	require.NoError(t, l.Load(context.Background()))

	close(release)
	assert.Eventually(t, func() bool { return l.State().Data == "fresh" }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRefetchBackToBack(t *testing.T) {
	var calls int32
	l, started, release := blockingLoader()
	fn := l.fn
	l.fn = func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return fn(ctx)
	}
	defer l.Close()

	l.Refetch()
	l.Refetch()
	l.Refetch()
	assert.True(t, l.State().Loading)

	<-started
	close(release)
	assert.Eventually(t, func() bool { return l.State().Data == "fresh" }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestLoadErrorWithLiveContext(t *testing.T) {
	l := NewLoader("numbers", func(ctx context.Context) ([]int, error) {
		return nil, errors.New("server down")
	})
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.EqualError(t, l.Load(ctx), "server down")
	s := l.State()
	assert.False(t, s.Loading)
	assert.EqualError(t, s.Err, "server down")
}

func TestCloseFreezesState(t *testing.T) {
	l, started, release := blockingLoader()
	var changes int32
	l.OnChange(func(State[string]) { atomic.AddInt32(&changes, 1) })

	l.Refetch()
	<-started
	assert.EqualValues(t, 1, atomic.LoadInt32(&changes))

	l.Close()
	close(release)
	assert.Equal(t, State[string]{Loading: true}, l.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&changes))

	require.NoError(t, l.Load(context.Background()))
	l.Refetch()
	assert.Equal(t, State[string]{Loading: true}, l.State())
}

func TestServices(t *testing.T) {
	var fail int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			fmt.Fprint(w, `{"success":false,"message":"maintenance"}`)
			return
		}
		assert.Equal(t, "p1", r.URL.Query().Get("providerId"))
		fmt.Fprint(w, `{"success":true,"data":[{"id":"s1","title":"Tutoring"},{"id":"s2","title":"Moving"}]}`)
	}))
	defer srv.Close()

	client := api.NewClient(srv.URL, nil)
	client.HTTPClient.Transport = &http.Transport{DisableKeepAlives: true}

	l := Services(client, &api.ServiceParams{ProviderID: "p1"})
	defer l.Close()

	require.NoError(t, l.Load(context.Background()))
	s := l.State()
	require.Len(t, s.Data, 2)
	assert.Equal(t, "Tutoring", s.Data[0].Title)
	assert.NoError(t, s.Err)

	atomic.StoreInt32(&fail, 1)
	require.Error(t, l.Load(context.Background()))
	s = l.State()
	assert.Empty(t, s.Data)
	assert.EqualError(t, s.Err, "maintenance")
}
