package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/sshcollectorpro/shellexec/internal/util"
)

const defaultChunkSize = 65535

// ReaderOptions 读取参数
type ReaderOptions struct {
	// ReadTimeout 单次读等待时长
	ReadTimeout time.Duration
	// MaxIdleReads 连续空读达到该次数后放弃
	MaxIdleReads int
	// MaxReads 总预算 = ReadTimeout*MaxReads，防止设备持续输出却从不出现提示符
	MaxReads int
	// PromptGrace 尾行形如提示符后的确认等待，期间收到新数据则继续读取
	PromptGrace time.Duration
	ChunkSize   int
}

// Capture 一次读取累积的原始输出
type Capture struct {
	Raw       string
	StoppedBy StopReason
}

// Reader 提示符同步读取器：后台协程持续读取通道，Drain 按停止条件截取一次响应。
// 同一时刻只允许一个 Drain。
type Reader struct {
	opts   ReaderOptions
	chunks chan []byte
	stop   chan struct{}
	once   sync.Once
	// err 在 chunks 关闭前写入
	err error
}

// NewReader 创建读取器并启动读取协程
func NewReader(src io.Reader, opts ReaderOptions) *Reader {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.MaxIdleReads <= 0 {
		opts.MaxIdleReads = 3
	}
	if opts.MaxReads <= 0 {
		opts.MaxReads = 120
	}
	if opts.MaxReads < opts.MaxIdleReads {
		opts.MaxReads = opts.MaxIdleReads
	}
	if opts.PromptGrace <= 0 {
		opts.PromptGrace = 50 * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	r := &Reader{
		opts:   opts,
		chunks: make(chan []byte, 64),
		stop:   make(chan struct{}),
	}
	go r.pump(src)
	return r
}

// pump 零字节读取不代表流结束，只有读错误（含 EOF）才结束
func (r *Reader) pump(src io.Reader) {
	defer close(r.chunks)
	buf := make([]byte, r.opts.ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.chunks <- chunk:
			case <-r.stop:
				return
			}
		}
		if err != nil {
			r.err = err
			return
		}
	}
}

// Close 释放读取协程；底层流需由调用方关闭
func (r *Reader) Close() {
	r.once.Do(func() { close(r.stop) })
}

// Budget 单次 Drain 的最长墙钟时间，乘积溢出时取最大值
func (r *Reader) Budget() time.Duration {
	n := time.Duration(r.opts.MaxReads)
	if n > 0 && r.opts.ReadTimeout > math.MaxInt64/n {
		return math.MaxInt64
	}
	return r.opts.ReadTimeout * n
}

// Drain 累积输出直到停止条件满足、通道关闭或超时。
// 连续空读 MaxIdleReads 次仍未满足条件时返回 TimeoutError。
// 返回的错误不带阶段，由调用方按所处阶段补全。
func (r *Reader) Drain(ctx context.Context, cond StopCondition) (Capture, error) {
	var buf bytes.Buffer
	idle := 0
	pending := false
	lastData := time.Now()

	budget := time.NewTimer(r.Budget())
	defer budget.Stop()
	tick := time.NewTimer(r.opts.ReadTimeout)
	defer tick.Stop()

	capture := func(reason StopReason) Capture {
		return Capture{Raw: util.EnsureUTF8Bytes(buf.Bytes()), StoppedBy: reason}
	}
	state := func(afterIdle bool) StopState {
		return StopState{
			TrailingLine: trailingLine(buf.Bytes()),
			AfterIdle:    afterIdle,
			Idle:         time.Since(lastData),
			Received:     buf.Len(),
		}
	}

	for {
		select {
		case <-ctx.Done():
			return capture(""), ctx.Err()

		case <-budget.C:
			return capture(""), newError(KindTimeout, "", "", errBudget)

		case chunk, ok := <-r.chunks:
			if !ok {
				if r.err != nil && !errors.Is(r.err, io.EOF) {
					return capture(StopClosed), classify("", "", r.err)
				}
				if buf.Len() == 0 {
					return capture(StopClosed), newError(KindProtocol, "", "", errChannelClosed)
				}
				return capture(StopClosed), nil
			}
			buf.Write(chunk)
			idle = 0
			lastData = time.Now()
			if reason, ok := matched(cond, state(false)); ok {
				if reason != StopPrompt {
					return capture(reason), nil
				}
				pending = true
				tick.Reset(r.opts.PromptGrace)
				continue
			}
			pending = false
			tick.Reset(r.opts.ReadTimeout)

		case <-tick.C:
			if pending {
				return capture(StopPrompt), nil
			}
			idle++
			if reason, ok := matched(cond, state(true)); ok {
				return capture(reason), nil
			}
			if idle >= r.opts.MaxIdleReads {
				if buf.Len() == 0 {
					return capture(""), newError(KindTimeout, "", "", errNoData)
				}
				return capture(""), newError(KindTimeout, "", "", errNoPrompt)
			}
			tick.Reset(r.opts.ReadTimeout)
		}
	}
}
