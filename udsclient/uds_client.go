package udsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/dcm/cantp"
	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/logrecorder"
)

const (
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时
	defaultMaxRetries      = 3                       // 默认最大重试次数
	maxResponseSize        = 4095                    // 经典 CAN 上 ISO-TP 的最大报文长度
	responseQueueSize      = 16
)

// UDS 负响应码 (Negative Response Code)
const (
	NRCGeneralReject                          = 0x10 // 一般拒绝
	NRCServiceNotSupported                    = 0x11 // 服务不支持
	NRCSubFunctionNotSupported                = 0x12 // 子功能不支持
	NRCIncorrectMessageLength                 = 0x13 // 消息长度错误
	NRCResponseTooLong                        = 0x14 // 响应过长
	NRCBusyRepeatRequest                      = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect                   = 0x22 // 条件不满足
	NRCRequestSequenceError                   = 0x24 // 请求顺序错误
	NRCNoResponseFromSubnetComponent          = 0x25 // 子网组件无响应
	NRCFailurePreventsExecution               = 0x26 // 故障阻止执行
	NRCRequestOutOfRange                      = 0x31 // 请求超出范围
	NRCSecurityAccessDenied                   = 0x33 // 安全访问被拒绝
	NRCAuthenticationRequired                 = 0x34 // 需要认证
	NRCInvalidKey                             = 0x35 // 无效密钥
	NRCExceedNumberOfAttempts                 = 0x36 // 超过尝试次数
	NRCRequiredTimeDelayNotExpired            = 0x37 // 所需时间延迟未过期
	NRCInvalidCertificateFormat               = 0x54 // 证书格式无效
	NRCUploadDownloadNotAccepted              = 0x70 // 上传/下载不接受
	NRCTransferDataSuspended                  = 0x71 // 传输数据暂停
	NRCGeneralProgrammingFailure              = 0x72 // 一般编程失败
	NRCWrongBlockSequenceCounter              = 0x73 // 块序号计数器错误
	NRCResponsePending                        = 0x78 // 响应挂起
	NRCSubFunctionNotSupportedInActiveSession = 0x7E // 子功能在当前会话不支持
	NRCServiceNotSupportedInActiveSession     = 0x7F // 服务在当前会话不支持
)

var (
	ErrClosed         = errors.New("UDS 客户端已关闭")
	ErrTransmitFailed = errors.New("请求发送失败")
	ErrTimeout        = errors.New("等待响应超时")
)

// UDSError 表示 UDS 负响应错误
type UDSError struct {
	ServiceID byte   // 原始服务 ID
	NRC       byte   // 负响应码
	Message   string // 错误描述
}

func (e *UDSError) Error() string {
	return fmt.Sprintf("UDS 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.ServiceID, e.NRC, e.Message)
}

// IsRetryable 判断该错误是否可以重试
func (e *UDSError) IsRetryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout    time.Duration // 单次请求超时
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
	// Functional 为 true 时请求通过功能地址发送
	Functional bool
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
	}
}

var nrcDescriptions = map[byte]string{
	NRCGeneralReject:                          "一般拒绝",
	NRCServiceNotSupported:                    "服务不支持",
	NRCSubFunctionNotSupported:                "子功能不支持",
	NRCIncorrectMessageLength:                 "消息长度错误",
	NRCResponseTooLong:                        "响应过长",
	NRCBusyRepeatRequest:                      "忙，请重复请求",
	NRCConditionsNotCorrect:                   "条件不满足",
	NRCRequestSequenceError:                   "请求顺序错误",
	NRCNoResponseFromSubnetComponent:          "子网组件无响应",
	NRCFailurePreventsExecution:               "故障阻止执行",
	NRCRequestOutOfRange:                      "请求超出范围",
	NRCSecurityAccessDenied:                   "安全访问被拒绝",
	NRCAuthenticationRequired:                 "需要认证",
	NRCInvalidKey:                             "无效密钥",
	NRCExceedNumberOfAttempts:                 "超过尝试次数",
	NRCRequiredTimeDelayNotExpired:            "所需时间延迟未过期",
	NRCInvalidCertificateFormat:               "证书格式无效",
	NRCUploadDownloadNotAccepted:              "上传/下载不接受",
	NRCTransferDataSuspended:                  "传输数据暂停",
	NRCGeneralProgrammingFailure:              "一般编程失败",
	NRCWrongBlockSequenceCounter:              "块序号计数器错误",
	NRCResponsePending:                        "响应挂起",
	NRCSubFunctionNotSupportedInActiveSession: "子功能在当前会话不支持",
	NRCServiceNotSupportedInActiveSession:     "服务在当前会话不支持",
}

// getNRCDescription 获取 NRC 错误描述
func getNRCDescription(nrc byte) string {
	if desc, ok := nrcDescriptions[nrc]; ok {
		return desc
	}
	return "未知错误"
}

// Pdus 是客户端在传输层上使用的 N-SDU
type Pdus struct {
	Rx         comstack.PduID
	Tx         comstack.PduID
	Functional *comstack.PduID
}

type Option func(*UDSClient)

func WithLogger(l logrecorder.Logger) Option { return func(c *UDSClient) { c.log = l } }

// WithPdus 设置收发 N-SDU，默认都为 0 且没有功能地址
func WithPdus(p Pdus) Option { return func(c *UDSClient) { c.pdus = p } }

// WithP3 设置上一次响应到下一次请求之间的最小间隔 (P3_client)
func WithP3(d time.Duration) Option { return func(c *UDSClient) { c.p3 = d } }

// UDSClient 是测试仪侧的 UDS 客户端，作为传输层的上层收发请求和响应。
type UDSClient struct {
	tp   comstack.LowerLayer
	log  logrecorder.Logger
	pdus Pdus

	reqMu sync.Mutex // 同一时间只有一个请求
	p3    time.Duration
	last  time.Time

	mu     sync.Mutex
	txData []byte
	txPos  int
	txPdu  comstack.PduID
	rxBuf  []byte
	rxWant int

	resp   chan []byte
	txDone chan comstack.Result

	// 以下字段仅由 NewUDSClient 设置
	bridge *driver.Bridge
	cancel context.CancelFunc
	group  *errgroup.Group
	ctx    context.Context
}

var _ comstack.UpperLayer = (*UDSClient)(nil)

// New 在一个已有的传输层上创建客户端。调用方负责把客户端 Bind 到传输层并运行它。
func New(tp comstack.LowerLayer, opts ...Option) *UDSClient {
	c := &UDSClient{
		tp:     tp,
		resp:   make(chan []byte, responseQueueSize),
		txDone: make(chan comstack.Result, 1),
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logrecorder.OrDiscard(c.log)
	return c
}

// NewUDSClient 完成所有组件的初始化和连接：启动 CAN 驱动，
// 创建 ISO-TP 传输层并在后台运行。
func NewUDSClient(dev driver.CANDriver, cfg cantp.Config, opts ...Option) (*UDSClient, error) {
	probe := New(nil, opts...)

	// 1. 初始化适配器并启动驱动
	bridge, err := driver.NewBridge(dev, probe.log)
	if err != nil {
		return nil, fmt.Errorf("无法创建CAN适配器: %w", err)
	}

	// 2. 初始化 ISO-TP 传输层
	layer, err := cantp.New(cfg, probe.log)
	if err != nil {
		bridge.Close()
		return nil, fmt.Errorf("无法创建传输层: %w", err)
	}
	c := probe
	c.tp = layer
	layer.Bind(c)

	// 3. 启动后台协程
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return layer.Run(gctx, bridge.Rx(), bridge.Tx()) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-layer.ErrorChan:
				c.log.Warn("[tp Error] %v", err)
			}
		}
	})

	c.bridge = bridge
	c.cancel = cancel
	c.group = g
	c.ctx = gctx
	c.log.Info("UDS客户端已成功初始化并启动。")
	return c, nil
}

// StartOfReception 开始接收一条响应；单帧数据已在 info.Data 中
func (c *UDSClient) StartOfReception(id comstack.PduID, info *comstack.PduInfo, tpSduLength int) (int, comstack.BufReqReturn) {
	if id != c.pdus.Rx {
		return 0, comstack.BufReqNotOK
	}
	if tpSduLength > maxResponseSize {
		return 0, comstack.BufReqOverflow
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxWant = tpSduLength
	c.rxBuf = make([]byte, 0, tpSduLength)
	if info != nil {
		c.rxBuf = append(c.rxBuf, info.Data...)
	}
	return c.rxWant - len(c.rxBuf), comstack.BufReqOK
}

func (c *UDSClient) CopyRxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.pdus.Rx || c.rxBuf == nil || len(c.rxBuf)+len(info.Data) > c.rxWant {
		return 0, comstack.BufReqNotOK
	}
	c.rxBuf = append(c.rxBuf, info.Data...)
	return c.rxWant - len(c.rxBuf), comstack.BufReqOK
}

func (c *UDSClient) TpRxIndication(id comstack.PduID, result comstack.Result) {
	c.mu.Lock()
	data := c.rxBuf
	c.rxBuf = nil
	c.mu.Unlock()
	if id != c.pdus.Rx || result != comstack.ResultOK || data == nil {
		return
	}
	select {
	case c.resp <- data:
	default:
		c.log.Warn("响应队列已满，丢弃 %d 字节响应", len(data))
	}
}

func (c *UDSClient) CopyTxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.txPdu || c.txData == nil {
		return 0, comstack.BufReqNotOK
	}
	n := len(info.Data)
	if c.txPos+n > len(c.txData) {
		return 0, comstack.BufReqNotOK
	}
	copy(info.Data, c.txData[c.txPos:c.txPos+n])
	c.txPos += n
	return len(c.txData) - c.txPos, comstack.BufReqOK
}

func (c *UDSClient) TpTxConfirmation(id comstack.PduID, result comstack.Result) {
	c.mu.Lock()
	ours := id == c.txPdu && c.txData != nil
	if ours {
		c.txData = nil
	}
	c.mu.Unlock()
	if !ours {
		return
	}
	select {
	case c.txDone <- result:
	default:
	}
}

// SendAndRecv 发送一个请求并阻塞等待响应，不重试。
func (c *UDSClient) SendAndRecv(payload []byte, timeout time.Duration) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, RequestOptions{Timeout: timeout})
}

// RequestWithContext 发送 UDS 请求并等待响应，支持：
//   - Context 取消
//   - 完整的 NRC 错误处理，0x78 时延长等待
//   - 自动重试 (仅对可重试错误)
//   - 响应 SID 验证
func (c *UDSClient) RequestWithContext(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	requestSID := payload[0]

	var response []byte
	err := retry.Do(func() error {
		r, err := c.singleRequest(ctx, payload, opts)
		if err != nil {
			return err
		}
		response = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(opts.MaxRetries)+1),
		retry.Delay(opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			var udsErr *UDSError
			return errors.As(err, &udsErr) && udsErr.IsRetryable()
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Info("UDS 请求重试 (%d/%d), SID=0x%02X: %v", n+1, opts.MaxRetries, requestSID, err)
		}),
	)
	if err != nil {
		return nil, err
	}

	// 正响应 SID = 请求 SID + 0x40
	if expected := requestSID + 0x40; response[0] != expected {
		return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", expected, response[0])
	}
	return response, nil
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *UDSClient) singleRequest(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// 发送前清空可能存在的旧响应
	for drained := false; !drained; {
		select {
		case <-c.resp:
		default:
			drained = true
		}
	}
	if err := c.send(ctx, payload, opts); err != nil {
		return nil, err
	}
	defer func() { c.last = time.Now() }()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		case <-deadline.C:
			return nil, fmt.Errorf("%w (%v)", ErrTimeout, opts.Timeout)
		case data := <-c.resp:
			if len(data) == 0 {
				continue
			}
			if data[0] != 0x7F {
				return data, nil
			}
			if len(data) < 3 {
				return nil, fmt.Errorf("负响应长度错误: % X", data)
			}
			serviceSID, nrc := data[1], data[2]
			if serviceSID != payload[0] {
				c.log.Debug("忽略其他服务的负响应 (SID=0x%02X)", serviceSID)
				continue
			}
			// Response Pending - 重置超时继续等待
			if nrc == NRCResponsePending {
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(responsePendingTimeout)
				c.log.Debug("收到 Response Pending (SID=0x%02X)，继续等待...", serviceSID)
				continue
			}
			return nil, &UDSError{ServiceID: serviceSID, NRC: nrc, Message: getNRCDescription(nrc)}
		}
	}
}

// send 发出请求并等待传输层确认；调用方持有 reqMu
func (c *UDSClient) send(ctx context.Context, payload []byte, opts RequestOptions) error {
	pdu := c.pdus.Tx
	if opts.Functional {
		if c.pdus.Functional == nil {
			return errors.New("未配置功能地址")
		}
		pdu = *c.pdus.Functional
	}
	if wait := c.p3 - time.Since(c.last); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	c.mu.Lock()
	c.txData = append([]byte(nil), payload...)
	c.txPos = 0
	c.txPdu = pdu
	c.mu.Unlock()
	select {
	case <-c.txDone:
	default:
	}

	if err := c.tp.Transmit(pdu, len(payload)); err != nil {
		c.mu.Lock()
		c.txData = nil
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransmitFailed, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	case r := <-c.txDone:
		if r != comstack.ResultOK {
			return ErrTransmitFailed
		}
		return nil
	}
}

// Send 发送一个不需要响应的请求 (例如 3E 80)，传输层确认后返回。
func (c *UDSClient) Send(ctx context.Context, payload []byte, functional bool) error {
	if len(payload) == 0 {
		return errors.New("请求 payload 不能为空")
	}
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	err := c.send(ctx, payload, RequestOptions{Functional: functional})
	c.last = time.Now()
	return err
}

// Request 简化版请求函数，使用默认选项
func (c *UDSClient) Request(payload []byte) ([]byte, error) {
	return c.RequestWithContext(context.Background(), payload, DefaultRequestOptions())
}

// RequestWithTimeout 带自定义超时的请求函数
func (c *UDSClient) RequestWithTimeout(payload []byte, timeout time.Duration) ([]byte, error) {
	opts := DefaultRequestOptions()
	opts.Timeout = timeout
	return c.RequestWithContext(context.Background(), payload, opts)
}

// Close 关闭由 NewUDSClient 启动的后台协程和驱动。
func (c *UDSClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.log.Info("正在关闭UDS客户端...")
	c.cancel()
	err := c.group.Wait()
	c.bridge.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// IsClosed 检查客户端是否已关闭
func (c *UDSClient) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
