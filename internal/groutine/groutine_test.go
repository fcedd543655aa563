package groutine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "bed-scan", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "bed-scan", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine MUST run")
	}
}

func TestGetName_Unnamed(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is part of the contract
	assert.Equal(t, "", GetName(nil))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var done atomic.Int32
	release := make(chan struct{})

	for range 3 {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			<-release
			done.Add(1)
		})
	}

	close(release)
	g.Wait()
	assert.Equal(t, int32(3), done.Load(), "Wait MUST return only after every goroutine finished")
}
