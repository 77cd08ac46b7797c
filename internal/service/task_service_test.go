package service

import (
	"context"
	"testing"

	"creditledger/internal/apperr"
	"creditledger/internal/model"
	"creditledger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitTaskDebitsCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	testutil.SeedUser(t, env.db, 1)
	seedCredits(t, env, 1, 30)

	task, err := env.tasks.Submit(ctx, &SubmitTaskRequest{
		UserID:          1,
		Model:           "model-1",
		Prompt:          "a cat",
		Cost:            10,
		ReferenceImages: []string{"https://img.example.com/a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, task.Status)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	got, err := env.tasks.GetTask(ctx, 1, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, got.Status)
	assert.JSONEq(t, `["https://img.example.com/a.png"]`, string(got.ReferenceImages))

	_, err = env.tasks.GetTask(ctx, 2, task.ID)
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
}

func TestSubmitTaskInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	testutil.SeedUser(t, env.db, 1)
	seedCredits(t, env, 1, 5)

	_, err := env.tasks.Submit(ctx, &SubmitTaskRequest{UserID: 1, Model: "model-1", Prompt: "a cat", Cost: 10})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	var count int64
	require.NoError(t, env.db.Model(&model.ImageGenerationTask{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	_, err = env.tasks.Submit(ctx, &SubmitTaskRequest{UserID: 1, Model: "model-1", Prompt: "a cat", Cost: 0})
	assert.ErrorIs(t, err, apperr.ErrInvalidAmount)

	_, err = env.tasks.Submit(ctx, &SubmitTaskRequest{UserID: 1, Cost: 1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestFailTaskRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	testutil.SeedUser(t, env.db, 1)
	seedCredits(t, env, 1, 30)

	task, err := env.tasks.Submit(ctx, &SubmitTaskRequest{UserID: 1, Model: "model-1", Prompt: "a cat", Cost: 10})
	require.NoError(t, err)

	failed, err := env.tasks.Fail(ctx, task.ID, "upstream timeout")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, failed.Status)

	_, err = env.tasks.Fail(ctx, task.ID, "upstream timeout")
	require.NoError(t, err)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	var refunds int64
	require.NoError(t, env.db.Model(&model.CreditTransaction{}).
		Where("user_id = ? AND source = ?", 1, model.SourceGenerationRefund).
		Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)

	_, err = env.tasks.Succeed(ctx, task.ID, "https://img.example.com/out.png")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestSucceedTaskBlocksRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	testutil.SeedUser(t, env.db, 1)
	seedCredits(t, env, 1, 30)

	task, err := env.tasks.Submit(ctx, &SubmitTaskRequest{UserID: 1, Model: "model-1", Prompt: "a cat", Cost: 10})
	require.NoError(t, err)

	done, err := env.tasks.Succeed(ctx, task.ID, "https://img.example.com/out.png")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, done.Status)

	var stored model.ImageGenerationTask
	require.NoError(t, env.db.Where("id = ?", task.ID).First(&stored).Error)
	assert.Equal(t, "SUCCESS", stored.Status)

	_, err = env.tasks.Fail(ctx, task.ID, "late failure")
	assert.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	balance, err := env.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	_, err = env.tasks.Fail(ctx, "missing", "x")
	assert.ErrorIs(t, err, apperr.ErrTaskNotFound)
}
