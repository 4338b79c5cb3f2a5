package pendingauth_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webqx-health/federation/pendingauth"
)

func TestConsumeIsExactlyOnce(t *testing.T) {
	repo := pendingauth.NewInMemoryRepo(5 * time.Minute)

	require.NoError(t, repo.Put(&pendingauth.Request{
		State:        "state-1",
		Provider:     "acme",
		CodeVerifier: "verifier-1",
		RedirectTo:   "/dashboard",
	}))

	req, err := repo.Consume("state-1")
	require.NoError(t, err)
	require.Equal(t, "acme", req.Provider)
	require.Equal(t, "verifier-1", req.CodeVerifier)
	require.Equal(t, "/dashboard", req.RedirectTo)

	_, err = repo.Consume("state-1")
	require.Error(t, err)
}

func TestConsumeUnknownState(t *testing.T) {
	repo := pendingauth.NewInMemoryRepo(5 * time.Minute)

	_, err := repo.Consume("never-issued")
	require.Error(t, err)
}

func TestConsumeExpiredEntry(t *testing.T) {
	now := time.Now()
	repo := pendingauth.NewInMemoryRepo(2*time.Minute, pendingauth.WithNowFunc(func() time.Time { return now }))

	require.NoError(t, repo.Put(&pendingauth.Request{State: "state-1", Provider: "acme"}))

	now = now.Add(3 * time.Minute)
	_, err := repo.Consume("state-1")
	require.Error(t, err)

	// expired entries are burned on the failed consume too
	_, err = repo.Consume("state-1")
	require.Error(t, err)
	require.Equal(t, 0, repo.Len())
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	repo := pendingauth.NewInMemoryRepo(2*time.Minute, pendingauth.WithNowFunc(func() time.Time { return now }))

	require.NoError(t, repo.Put(&pendingauth.Request{State: "old", Provider: "acme"}))

	now = now.Add(3 * time.Minute)
	require.NoError(t, repo.Put(&pendingauth.Request{State: "fresh", Provider: "acme"}))

	require.Equal(t, 1, repo.SweepExpired())
	require.Equal(t, 1, repo.Len())

	_, err := repo.Consume("fresh")
	require.NoError(t, err)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	repo := pendingauth.NewInMemoryRepo(5 * time.Minute)
	require.NoError(t, repo.Put(&pendingauth.Request{State: "contested", Provider: "acme"}))

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume("contested"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	require.Equal(t, 1, winners)
}
