package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	mu   sync.Mutex
)

// Init 初始化雪花节点，workerID 取值 0-1023
func Init(workerID int64) error {
	mu.Lock()
	defer mu.Unlock()

	n, err := snowflake.NewNode(workerID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: %w", err)
	}
	node = n
	return nil
}

func NextID() int64 {
	mu.Lock()
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	n := node
	mu.Unlock()
	return n.Generate().Int64()
}

// GenerateOrderNo 生成商户订单号
// 格式：PAY + 年月日时分秒 + 雪花 ID 十进制串
// 例如：PAY202401151430521747329302827081728
func GenerateOrderNo() string {
	return fmt.Sprintf("PAY%s%d", time.Now().Format("20060102150405"), NextID())
}
