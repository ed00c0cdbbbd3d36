package analysis

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

func detection(class string, conf, depth float64) types.Detection {
	return types.NewDetection(types.RawDetection{Class: class, Confidence: conf}, depth, time.Time{})
}

func scene() []types.Detection {
	return []types.Detection{
		detection("person", 0.9, 1.2),
		detection("person", 0.8, 2.0),
		detection("chair", 0.7, 3.0),
	}
}

func TestSummarizeScene(t *testing.T) {
	at := time.Unix(1700000000, 0)
	s := Summarize(scene(), at)

	assert.Equal(t, 3, s.TotalObjects)
	assert.Equal(t, at, s.Timestamp)
	require.Len(t, s.Objects, 2)

	assert.Equal(t, "person", s.Objects[0].Class)
	assert.Equal(t, 2, s.Objects[0].Count)
	require.NotNil(t, s.Objects[0].AverageDepth)
	assert.InDelta(t, 1.6, *s.Objects[0].AverageDepth, 1e-9)

	assert.Equal(t, "chair", s.Objects[1].Class)
	assert.Equal(t, 1, s.Objects[1].Count)
	assert.InDelta(t, 3.0, *s.Objects[1].AverageDepth, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, time.Now())
	assert.Zero(t, s.TotalObjects)
	assert.NotNil(t, s.Objects)
	assert.Empty(t, s.Objects)
}

func TestSummarizeSkipsInvalidDepth(t *testing.T) {
	s := Summarize([]types.Detection{
		detection("dog", 0.9, 0),
		detection("dog", 0.9, 2.5),
		detection("cat", 0.9, -1),
	}, time.Now())

	require.Len(t, s.Objects, 2)
	assert.Equal(t, 2, s.Objects[0].Count)
	assert.InDelta(t, 2.5, *s.Objects[0].AverageDepth, 1e-9)
	assert.Nil(t, s.Objects[1].AverageDepth)
}

func TestSummarizeCountsAddUp(t *testing.T) {
	classes := []string{"person", "chair", "dog", "bottle"}
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		var list []types.Detection
		n := r.Intn(30)
		for i := 0; i < n; i++ {
			list = append(list, detection(classes[r.Intn(len(classes))], r.Float64(), r.Float64()*5))
		}
		s := Summarize(list, time.Now())

		total := 0
		seen := map[string]bool{}
		for _, o := range s.Objects {
			assert.False(t, seen[o.Class], "duplicate class %s", o.Class)
			seen[o.Class] = true
			total += o.Count
		}
		assert.Equal(t, len(list), total)
		assert.Equal(t, len(list), s.TotalObjects)
	}
}

func TestQueryByClassAndConfidence(t *testing.T) {
	f := NewFilter()
	f.Class = "person"
	f.MinConfidence = 0.85

	got := Query(scene(), f)
	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].Confidence)
}

func TestQueryMaxDepth(t *testing.T) {
	f := NewFilter()
	maxDepth := 2.5
	f.MaxDepth = &maxDepth

	got := Query(scene(), f)
	require.Len(t, got, 2)
	assert.Equal(t, "person", got[0].Class)
	assert.Equal(t, "person", got[1].Class)
}

func TestQueryDefaultsKeepOrder(t *testing.T) {
	list := []types.Detection{
		detection("chair", 0.4, 1),
		detection("person", 0.5, 1),
		detection("dog", 0.95, 1),
		detection("person", 0.6, 1),
	}
	got := Query(list, NewFilter())
	require.Len(t, got, 3)
	assert.Equal(t, []string{"person", "dog", "person"}, []string{got[0].Class, got[1].Class, got[2].Class})
}

func TestQueryExcludesInvalidDepthUnderBound(t *testing.T) {
	f := NewFilter()
	maxDepth := 10.0
	f.MaxDepth = &maxDepth

	assert.Empty(t, Query([]types.Detection{detection("person", 0.9, 0)}, f))
	f.MaxDepth = nil
	assert.Len(t, Query([]types.Detection{detection("person", 0.9, 0)}, f), 1)
}

func TestQueryResultIsSubsequence(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for trial := 0; trial < 50; trial++ {
		var list []types.Detection
		for i := 0; i < 20; i++ {
			list = append(list, detection([]string{"a", "b"}[r.Intn(2)], r.Float64(), r.Float64()*4))
		}
		f := NewFilter()
		f.MinConfidence = r.Float64()
		got := Query(list, f)

		j := 0
		for _, d := range list {
			if j < len(got) && d == got[j] {
				j++
			}
		}
		assert.Equal(t, len(got), j)
		for _, d := range got {
			assert.GreaterOrEqual(t, d.Confidence, f.MinConfidence)
		}
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, NewFilter().Validate())

	f := NewFilter()
	f.MinConfidence = 1.5
	assert.ErrorIs(t, f.Validate(), ErrInvalidFilter)

	f = NewFilter()
	neg := -0.1
	f.MaxDepth = &neg
	assert.ErrorIs(t, f.Validate(), ErrInvalidFilter)
}
