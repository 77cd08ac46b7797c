package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// 业务错误
var (
	ErrInsufficientBalance    = errors.New("积分余额不足")
	ErrInvalidAmount          = errors.New("金额不合法")
	ErrInvalidSource          = errors.New("积分来源不合法")
	ErrDuplicatePendingOrder  = errors.New("存在未完成的待支付订单")
	ErrInvalidStateTransition = errors.New("状态流转不合法")
	ErrInvalidSignature       = errors.New("签名校验失败")
	ErrAmountMismatch         = errors.New("支付金额与订单金额不一致")
	ErrOrderNotFound          = errors.New("订单不存在")
	ErrMalformedNotification  = errors.New("回调参数不完整")
	ErrAlreadyClaimed         = errors.New("今日奖励已领取")
	ErrTaskNotFound           = errors.New("任务不存在")
	ErrUserNotFound           = errors.New("用户不存在")
	ErrUserExists             = errors.New("用户名或邮箱已存在")
	ErrInvalidArgument        = errors.New("参数不合法")
	ErrForbidden              = errors.New("无权操作")
)

// 存储层错误
var (
	// ErrTransientStore 可重试：死锁、锁等待超时、连接中断、CAS 冲突
	ErrTransientStore = errors.New("存储暂时不可用")
	// ErrDuplicateKey 唯一索引冲突，由调用方翻译成具体业务错误
	ErrDuplicateKey = errors.New("唯一键冲突")
)

const (
	mysqlErrDuplicateEntry   = 1062
	mysqlErrLockWaitTimeout  = 1205
	mysqlErrDeadlock         = 1213
	mysqlErrNoReferencedRow  = 1452
	mysqlErrCheckConstraint  = 3819
	mysqlErrQueryInterrupted = 1317
)

// FromStore 把驱动层错误归类为业务可识别的错误，未识别的原样返回
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	if isDomain(err) {
		return err
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %v", ErrUserNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout, mysqlErrQueryInterrupted:
			return fmt.Errorf("%w: %v", ErrTransientStore, err)
		case mysqlErrDuplicateEntry:
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		case mysqlErrNoReferencedRow:
			return fmt.Errorf("%w: %v", ErrUserNotFound, err)
		case mysqlErrCheckConstraint:
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return err
	}

	// sqlite 驱动只给出文本
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %v", ErrTransientStore, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	return err
}

func isDomain(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance, ErrInvalidAmount, ErrInvalidSource, ErrDuplicatePendingOrder,
		ErrInvalidStateTransition, ErrInvalidSignature, ErrAmountMismatch, ErrOrderNotFound,
		ErrMalformedNotification, ErrAlreadyClaimed, ErrTaskNotFound, ErrUserNotFound,
		ErrUserExists, ErrInvalidArgument, ErrForbidden, ErrTransientStore, ErrDuplicateKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTransient 调用方据此决定是否重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
