package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

func det(class string, conf float64) types.Detection {
	return types.Detection{Class: class, Confidence: conf, Depth: 1, DepthValid: true}
}

func TestStoreStartsEmpty(t *testing.T) {
	s := NewStore()
	assert.Empty(t, s.Read())
	assert.NotNil(t, s.Read())
	assert.Zero(t, s.Version())
}

func TestReadReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Replace([]types.Detection{det("person", 0.9)}, time.Now())

	got := s.Read()
	got[0].Class = "chair"
	got = append(got, det("dog", 0.7))

	again := s.Read()
	require.Len(t, again, 1)
	assert.Equal(t, "person", again[0].Class)
}

func TestReplaceDoesNotAliasInput(t *testing.T) {
	s := NewStore()
	in := []types.Detection{det("person", 0.9)}
	s.Replace(in, time.Now())
	in[0].Class = "cat"

	assert.Equal(t, "person", s.Read()[0].Class)
}

func TestReplaceBumpsVersion(t *testing.T) {
	s := NewStore()
	at := time.Unix(1700000000, 0)
	assert.Equal(t, uint64(1), s.Replace(nil, at))
	assert.Equal(t, uint64(2), s.Replace([]types.Detection{det("a", 1)}, at))

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, at, snap.CapturedAt)
	assert.Equal(t, 1, snap.Count())
}

// Every published list has a uniform class; a torn read would mix classes.
func TestConcurrentReplaceNeverTears(t *testing.T) {
	s := NewStore()
	classes := []string{"person", "chair", "dog"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			c := classes[i%len(classes)]
			list := make([]types.Detection, 1+i%5)
			for j := range list {
				list[j] = det(c, 0.9)
			}
			s.Replace(list, time.Now())
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				list := s.Read()
				for _, d := range list {
					if d.Class != list[0].Class {
						t.Errorf("torn snapshot: %v", list)
						return
					}
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
