package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerBasic(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	checker := NewHealthChecker(db)
	assert.False(t, checker.IsHealthy())

	err = checker.Check(context.Background())
	assert.NoError(t, err)
	assert.True(t, checker.IsHealthy())

	result := checker.GetHealthResult()
	assert.True(t, result.Healthy)
	assert.Empty(t, result.LastError)
	assert.NotZero(t, result.LastCheck)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckerFailureAndRecovery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker(db)

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	err = checker.Check(context.Background())
	assert.Error(t, err)
	assert.False(t, checker.IsHealthy())

	result := checker.GetHealthResult()
	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.LastError)

	mock.ExpectPing()
	err = checker.Check(context.Background())
	assert.NoError(t, err)
	assert.True(t, checker.IsHealthy())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckerBackgroundMonitoring(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	// 启动时立即检查一次，之后按间隔周期检查
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 10; i++ {
		mock.ExpectPing()
	}

	checker := NewHealthChecker(db)
	checker.SetCheckInterval(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	assert.True(t, checker.IsHealthy())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop after context cancel")
	}
}
