package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/meetsync/botherd/internal/model"
	"github.com/meetsync/botherd/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := registry.New()

	job := reg.Create(model.Submission{MeetingURL: "https://meet.example.com/abc"})
	require.NotEmpty(t, job.ID)
	require.Equal(t, model.StatusPending, job.Status)
	require.False(t, job.CreatedAt.IsZero())
	require.Equal(t, job.CreatedAt, job.UpdatedAt)

	t.Run("get", func(t *testing.T) {
		got, err := reg.Get(job.ID)
		require.NoError(t, err)
		require.Equal(t, job, got)

		_, err = reg.Get("no-such-job")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("patch refreshes updatedAt", func(t *testing.T) {
		got, err := reg.Patch(job.ID, func(j *model.Job) {
			j.Status = model.StatusRunning
		})
		require.NoError(t, err)
		require.Equal(t, model.StatusRunning, got.Status)
		require.False(t, got.UpdatedAt.Before(job.UpdatedAt))
	})

	t.Run("identifiers are first writer wins", func(t *testing.T) {
		got, err := reg.Patch(job.ID, func(j *model.Job) {
			j.BotUUID = "11111111-2222-3333-4444-555555555555"
			j.ContainerName = "botherd-bot-first"
		})
		require.NoError(t, err)
		require.Equal(t, "11111111-2222-3333-4444-555555555555", got.BotUUID)

		got, err = reg.Patch(job.ID, func(j *model.Job) {
			j.BotUUID = "99999999-8888-7777-6666-555555555555"
			j.ContainerName = "botherd-bot-second"
		})
		require.NoError(t, err)
		require.Equal(t, "11111111-2222-3333-4444-555555555555", got.BotUUID)
		require.Equal(t, "botherd-bot-first", got.ContainerName)
	})

	t.Run("immutable core fields", func(t *testing.T) {
		got, err := reg.Patch(job.ID, func(j *model.Job) {
			j.ID = "hijacked"
			j.Submission.MeetingURL = "https://evil.example.com"
		})
		require.NoError(t, err)
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, "https://meet.example.com/abc", got.Submission.MeetingURL)
	})

	t.Run("illegal transition dropped", func(t *testing.T) {
		got, err := reg.Patch(job.ID, func(j *model.Job) {
			j.Status = model.StatusDone
		})
		require.NoError(t, err)
		require.Equal(t, model.StatusDone, got.Status)

		// done is terminal, the job cannot come back
		got, err = reg.Patch(job.ID, func(j *model.Job) {
			j.Status = model.StatusRunning
		})
		require.NoError(t, err)
		require.Equal(t, model.StatusDone, got.Status)
	})
}

func TestRegistryStoppingOnlyFromRunning(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	job := reg.Create(model.Submission{MeetingURL: "https://meet.example.com/x"})

	got, err := reg.Patch(job.ID, func(j *model.Job) { j.Status = model.StatusStopping })
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)

	_, err = reg.Patch(job.ID, func(j *model.Job) { j.Status = model.StatusRunning })
	require.NoError(t, err)
	got, err = reg.Patch(job.ID, func(j *model.Job) { j.Status = model.StatusStopping })
	require.NoError(t, err)
	require.Equal(t, model.StatusStopping, got.Status)
}

func TestRegistryConcurrentPatches(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	job := reg.Create(model.Submission{MeetingURL: "https://meet.example.com/y"})

	// mutate closures run under the per-job lock, so this plain counter is a
	// lost-update detector (and a data race under -race if Patch ever stops
	// serializing).
	const writers = 64
	count := 0
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Patch(job.ID, func(j *model.Job) {
				count++
				j.StartedAt = time.Now().UTC()
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, writers, count)
	got, err := reg.Get(job.ID)
	require.NoError(t, err)
	require.False(t, got.StartedAt.IsZero())
}
