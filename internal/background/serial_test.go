package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestSerial_RunsInPushOrder(t *testing.T) {
	r := NewRunner(context.Background(), zaptest.NewLogger(t))
	s := NewSerial(r)

	var mu sync.Mutex
	var order []int
	release := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		s.Push("step", func(ctx context.Context) error {
			if i == 0 {
				<-release
			}
			// later tasks would overtake a slow first one if they ran concurrently
			if i%7 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	close(release)
	r.Wait()

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestSerial_ContinuesAfterPanic(t *testing.T) {
	r := NewRunner(context.Background(), zaptest.NewLogger(t))
	s := NewSerial(r)

	var ran []string
	s.Push("panicking", func(ctx context.Context) error {
		ran = append(ran, "first")
		panic("bad message")
	})
	s.Push("next", func(ctx context.Context) error {
		ran = append(ran, "second")
		return nil
	})
	r.Wait()
	assert.Equal(t, []string{"first", "second"}, ran)

	s.Push("after idle", func(ctx context.Context) error {
		ran = append(ran, "third")
		return nil
	})
	r.Wait()
	assert.Equal(t, []string{"first", "second", "third"}, ran)
}
