package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthCheckMock(t *testing.T) (*HealthChecker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewHealthChecker(db, logger), mock
}

func TestHealthCheckerBasic(t *testing.T) {
	checker, mock := newHealthCheckMock(t)
	mock.ExpectPing()

	require.NoError(t, checker.Check(context.Background()))
	assert.True(t, checker.IsHealthy())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckerFailureAndRecovery(t *testing.T) {
	checker, mock := newHealthCheckMock(t)
	ctx := context.Background()

	// ping失败进入不健康状态
	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	assert.Error(t, checker.Check(ctx))
	assert.False(t, checker.IsHealthy())

	result := checker.GetHealthResult()
	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.LastError)
	assert.False(t, result.LastCheck.IsZero())

	// ping恢复
	mock.ExpectPing()
	require.NoError(t, checker.Check(ctx))
	assert.True(t, checker.IsHealthy())

	result = checker.GetHealthResult()
	assert.True(t, result.Healthy)
	assert.Empty(t, result.LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthCheckerInitialState(t *testing.T) {
	checker, _ := newHealthCheckMock(t)
	assert.False(t, checker.IsHealthy())

	result := checker.GetHealthResult()
	assert.False(t, result.Healthy)
	assert.True(t, result.LastCheck.IsZero())
}
