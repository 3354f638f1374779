package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string                     { return s.name }
func (s *stubJob) Run(context.Context) (int, error) { return 0, nil }

func TestRegistryStoresJobs(t *testing.T) {
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	registry, err := NewRegistry(jobA, nil, jobB)
	require.NoError(t, err)

	jobs := registry.Jobs()
	require.Len(t, jobs, 2)
	require.Same(t, jobA, jobs[0])
	require.Same(t, jobB, jobs[1])

	jobs[0] = nil
	require.NotNil(t, registry.Jobs()[0], "internal slice leaked")
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry, err := NewRegistry(&stubJob{name: "sync"})
	require.NoError(t, err)
	require.Error(t, registry.Register(&stubJob{name: "sync"}))

	_, err = NewRegistry(&stubJob{name: "x"}, &stubJob{name: "x"})
	require.Error(t, err)
}
