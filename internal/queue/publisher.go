package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/pkg/message"
)

// 既定のキュー名。配信ワーカーと一致させる。
const (
	DefaultEmailQueue = "email.queue"
	DefaultPushQueue  = "push.queue"
)

// ErrNotConnected はブローカーに接続できていない場合のエラー。
var ErrNotConnected = errors.New("メッセージブローカーに接続していません")

// Channel はamqp091のチャネルのうちPublisherが使う操作。
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection はamqp091の接続のうちPublisherが使う操作。
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer はブローカーへの接続を作る。ctxの期限までに接続できなければ失敗する。
// テストではフェイクに差し替える。
type Dialer func(ctx context.Context, url string) (Connection, error)

// DefaultDialTimeout は1回の接続試行の上限。
const DefaultDialTimeout = 5 * time.Second

// amqpConnection は*amqp.ConnectionをConnectionに合わせる。
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP はamqp091で接続するDialer。TCP接続とハンドシェイクの待ち時間はctxの期限で打ち切る。
func DialAMQP(ctx context.Context, url string) (Connection, error) {
	timeout := DefaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Locale: "en_US",
		Dial:   amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Config はPublisherの設定。
type Config struct {
	// URL はamqp://形式の接続先。
	URL string
	// EmailQueue はemailチャネルのキュー名。
	EmailQueue string
	// PushQueue はpushチャネルのキュー名。
	PushQueue string
}

// Option はPublisherのオプション。
type Option func(*Publisher)

// WithDialer は接続に使うDialerを差し替える。
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithDialTimeout は1回の接続試行の上限を変更する。
func WithDialTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// dialCall は進行中の接続試行。doneが閉じた後にerrを読む。
type dialCall struct {
	done chan struct{}
	err  error
}

// Publisher はチャネル別の永続キューへメッセージを投入する。
// 接続が切れても落ちずに未接続状態となり、次の投入時に再接続を試みる。
// 接続試行は同時に1つだけで、muを保持せずに行う。他の呼び出し元は自分のctxの期限までその結果を待つ。
type Publisher struct {
	mu          sync.Mutex
	url         string
	queues      map[notification.Channel]string
	dial        Dialer
	dialTimeout time.Duration
	conn        Connection
	ch          Channel
	dialing     *dialCall
	closed      bool
	logger      logrus.FieldLogger
}

// NewPublisher はPublisherを生成する。接続はConnectまたは最初の投入時に行う。
func NewPublisher(cfg Config, logger logrus.FieldLogger, opts ...Option) *Publisher {
	if cfg.EmailQueue == "" {
		cfg.EmailQueue = DefaultEmailQueue
	}
	if cfg.PushQueue == "" {
		cfg.PushQueue = DefaultPushQueue
	}
	p := &Publisher{
		url: cfg.URL,
		queues: map[notification.Channel]string{
			notification.ChannelEmail: cfg.EmailQueue,
			notification.ChannelPush:  cfg.PushQueue,
		},
		dial:        DialAMQP,
		dialTimeout: DefaultDialTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect はブローカーに接続し、両方のキューを宣言する。
// 接続済みなら何もしない。ctxが先に終われば接続の完了を待たずに戻る。
func (p *Publisher) Connect(ctx context.Context) error {
	_, err := p.channel(ctx)
	return err
}

// Publish はチャネルに対応するキューへメッセージを永続メッセージとして投入する。
// コンシューマーの確認応答は待たない。送信に失敗した場合は接続を破棄してエラーを返す。
func (p *Publisher) Publish(ctx context.Context, channel notification.Channel, msg *message.Message) error {
	queue, ok := p.queues[channel]
	if !ok {
		return fmt.Errorf("不明なチャネルです: %q", channel)
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.RequestID,
		Timestamp:     msg.Timestamp,
		Body:          body,
	})
	if err != nil {
		p.logger.WithError(err).WithField("queue", queue).Warn("publish failed, dropping broker connection")
		p.mu.Lock()
		if p.ch == ch {
			p.resetLocked()
		}
		p.mu.Unlock()
		return fmt.Errorf("キュー %s への投入に失敗: %w", queue, err)
	}
	return nil
}

// Connected はブローカーとの接続が生きているかどうかを返す。
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// Ping はヘルスチェック用の疎通確認。未接続なら再接続を試みる。
func (p *Publisher) Ping(ctx context.Context) error {
	return p.Connect(ctx)
}

// Close はチャネルと接続を閉じる。
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}

// channel は生きているチャネルを返す。無ければ接続を開始し、その完了かctxの終了を待つ。
func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	if p.liveLocked() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	if p.url == "" || p.closed {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	call := p.dialing
	if call == nil {
		call = &dialCall{done: make(chan struct{})}
		p.dialing = call
		p.resetLocked()
		go p.connect(call)
	}
	p.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
	if call.err != nil {
		return nil, call.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.liveLocked() {
		return nil, ErrNotConnected
	}
	return p.ch, nil
}

// connect は接続してキューを宣言し、結果をcallに記録する。muの外で実行する。
func (p *Publisher) connect(call *dialCall) {
	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()

	conn, ch, err := p.open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing = nil
	switch {
	case err != nil:
		call.err = err
	case p.closed:
		_ = ch.Close()
		_ = conn.Close()
		call.err = ErrNotConnected
	default:
		p.conn, p.ch = conn, ch
		p.logger.WithField("queues", p.queues).Info("connected to message broker")
	}
	close(call.done)
}

// open は新しい接続とチャネルを作り、両方のキューを宣言する。
func (p *Publisher) open(ctx context.Context) (Connection, Channel, error) {
	conn, err := p.dial(ctx, p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: チャネルの作成に失敗: %w", ErrNotConnected, err)
	}
	for _, name := range []string{p.queues[notification.ChannelEmail], p.queues[notification.ChannelPush]} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("キュー %s の宣言に失敗: %w", name, err)
		}
	}
	return conn, ch, nil
}

// liveLocked は接続とチャネルが使える状態かどうかを返す。呼び出し元がmuを保持していること。
func (p *Publisher) liveLocked() bool {
	return p.ch != nil && p.conn != nil && !p.conn.IsClosed()
}

// resetLocked は現在の接続を破棄する。
func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}
