package logrecorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	L "github.com/opencoff/go-logger"
)

// Logger 是各组件依赖的最小日志接口，go-logger 的 Logger 满足该接口。
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

const logFlags int = L.Ldate | L.Ltime | L.Lshortfile | L.Lmicroseconds

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 root 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(root string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(root, dirName)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return "", fmt.Errorf("创建文件夹失败: %w", err)
		}
	}
	return fullPath, nil
}

// New 创建日志记录器。dir 为空时输出到标准输出，否则写入
// dir/YYYY_MM_DD/<name><YYYYMMDD_HHMM>.log 并在每天零点轮换。
func New(dir, name, level string) (Logger, error) {
	prio := L.LOG_INFO
	if level != "" {
		p, ok := L.ToPriority(level)
		if !ok {
			return nil, fmt.Errorf("无效的日志级别 %q", level)
		}
		prio = p
	}

	target := "STDOUT"
	if dir != "" {
		d, err := MakeDir(dir)
		if err != nil {
			return nil, err
		}
		target = filepath.Join(d, fmt.Sprintf("%s%s.log", name, NowString()))
	}

	lg, err := L.NewLogger(target, prio, name, logFlags)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	if dir != "" {
		if err := lg.EnableRotation(0, 0, 0, 7); err != nil {
			lg.Warn("can't enable log rotation: %s", err)
		}
	}
	return lg, nil
}

// Close 关闭由 New 创建的日志记录器；对不支持关闭的实现无操作。
func Close(l Logger) {
	switch c := l.(type) {
	case interface{ Close() error }:
		_ = c.Close()
	case interface{ Close() }:
		c.Close()
	}
}

// Discard 返回丢弃所有输出的日志记录器，供测试和未配置日志的组件使用。
func Discard() Logger { return nop{} }

type nop struct{}

func (nop) Debug(string, ...interface{}) {}
func (nop) Info(string, ...interface{})  {}
func (nop) Warn(string, ...interface{})  {}
func (nop) Error(string, ...interface{}) {}

// OrDiscard 在 l 为 nil 时返回 Discard()。
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
