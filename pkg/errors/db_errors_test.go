package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifyDBError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyDBError(nil))
}

func TestClassifyDBError_RecordNotFound(t *testing.T) {
	dbErr := ClassifyDBError(gorm.ErrRecordNotFound)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
	assert.True(t, IsNotFoundError(gorm.ErrRecordNotFound))
}

func TestClassifyDBError_WrappedNotFound(t *testing.T) {
	wrapped := fmt.Errorf("failed to get provider health: %w", gorm.ErrRecordNotFound)
	assert.True(t, IsNotFoundError(wrapped))
}

func TestClassifyDBError_DuplicateKey(t *testing.T) {
	err := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'tenant-provider' for key 'uniq_tenant_provider'"}
	dbErr := ClassifyDBError(err)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeDuplicateKey, dbErr.Type)
	assert.Equal(t, uint16(1062), dbErr.MySQLErrCode)
	assert.True(t, IsDuplicateKeyError(err))
}

func TestClassifyDBError_Deadlock(t *testing.T) {
	err := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	dbErr := ClassifyDBError(err)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeDeadlock, dbErr.Type)
	assert.True(t, IsDeadlockError(err))
	assert.True(t, IsRetryableError(err))
}

func TestClassifyDBError_ForeignKey(t *testing.T) {
	for _, code := range []uint16{1451, 1452} {
		err := &mysql.MySQLError{Number: code}
		dbErr := ClassifyDBError(err)
		require.NotNil(t, dbErr)
		assert.Equal(t, ErrorTypeConstraintViolation, dbErr.Type)
	}
}

func TestClassifyDBError_ConnectionError(t *testing.T) {
	err := errors.New("dial tcp 127.0.0.1:3306: Connection Refused")
	dbErr := ClassifyDBError(err)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeConnectionError, dbErr.Type)
	assert.True(t, IsRetryableError(err))
}

func TestClassifyDBError_Unknown(t *testing.T) {
	err := errors.New("something else entirely")
	dbErr := ClassifyDBError(err)
	require.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeUnknown, dbErr.Type)
	assert.False(t, IsRetryableError(err))
}

func TestDatabaseError_ErrorAndUnwrap(t *testing.T) {
	orig := &mysql.MySQLError{Number: 1062, Message: "dup"}
	dbErr := ClassifyDBError(orig)
	assert.Contains(t, dbErr.Error(), "1062")
	assert.True(t, errors.Is(dbErr, orig))
}
