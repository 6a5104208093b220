package ec

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iwtcode/eliteAdapter/ec/model"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort - SDK-порт командного интерфейса контроллера.
	DefaultPort = 8055
	// DefaultTimeout - таймаут одного запроса по умолчанию.
	DefaultTimeout = 2 * time.Second
	// DefaultID - id запроса, если вызывающий не указал свой.
	DefaultID = 1

	connectTimeout     = 5 * time.Second
	sendBufferSettling = time.Second
)

// LockScope определяет область эксклюзивной секции канала.
type LockScope int

const (
	// LockPerConnection - у каждого канала своя секция.
	LockPerConnection LockScope = iota
	// LockProcessWide - одна секция на все каналы процесса.
	LockProcessWide
)

// IDPolicy определяет реакцию на несовпадение id ответа и запроса.
type IDPolicy int

const (
	// IDMismatchWarn - записать предупреждение и вернуть результат.
	IDMismatchWarn IDPolicy = iota
	// IDMismatchStrict - вернуть ProtocolError{Kind: IDMismatch}.
	IDMismatchStrict
)

// gate - эксклюзивная секция на один слот; ожидание входа можно прервать контекстом.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func (g gate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g gate) release() { <-g }

var processGate = newGate()

// Channel владеет TCP-соединением с контроллером и пропускает через него
// не более одного запроса одновременно.
type Channel struct {
	ip       string
	port     int
	addr     string
	timeout  time.Duration
	idPolicy IDPolicy
	traceIO  bool
	logger   *logrus.Entry
	metrics  *Metrics
	role     string
	settle   time.Duration

	gate gate

	mu          sync.Mutex
	conn        net.Conn
	dec         *json.Decoder
	connected   bool
	sessionID   string
	connectedAt time.Time
	lastUsed    time.Time
	useCount    int64
}

var _ model.Commander = (*Channel)(nil)

// Option настраивает Channel.
type Option func(*Channel)

// WithLogger задаёт логгер; поле robot_ip добавляется автоматически.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Channel) { c.logger = l }
}

// WithLockScope задаёт область эксклюзивной секции.
func WithLockScope(s LockScope) Option {
	return func(c *Channel) {
		if s == LockProcessWide {
			c.gate = processGate
		} else {
			c.gate = newGate()
		}
	}
}

// WithIDPolicy задаёт строгость проверки id ответа.
func WithIDPolicy(p IDPolicy) Option {
	return func(c *Channel) { c.idPolicy = p }
}

// WithTraceIO включает запись отправленных и полученных строк в debug-лог.
func WithTraceIO(on bool) Option {
	return func(c *Channel) { c.traceIO = on }
}

// WithMetrics подключает метрики канала.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithRole задаёт роль соединения для метрик: RoleCommand или RoleMonitor.
func WithRole(role string) Option {
	return func(c *Channel) { c.role = role }
}

// NewChannel создает канал без подключения. Нулевые port и timeout заменяются значениями по умолчанию.
func NewChannel(ip string, port int, timeout time.Duration, opts ...Option) *Channel {
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Channel{
		ip:      ip,
		port:    port,
		addr:    net.JoinHostPort(ip, strconv.Itoa(port)),
		timeout: timeout,
		role:    RoleCommand,
		settle:  sendBufferSettling,
		gate:    newGate(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c.logger = c.logger.WithField("robot_ip", ip)
	return c
}

// Dial создает канал и сразу подключается к контроллеру.
func Dial(ctx context.Context, ip string, port int, timeout time.Duration, opts ...Option) (*Channel, error) {
	c := NewChannel(ip, port, timeout, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Addr возвращает адрес контроллера в виде host:port.
func (c *Channel) Addr() string { return c.addr }

// IP возвращает адрес робота.
func (c *Channel) IP() string { return c.ip }

// Logger возвращает логгер канала с полем robot_ip.
func (c *Channel) Logger() *logrus.Entry { return c.logger }

// Connect устанавливает TCP-соединение. Повторный вызов на подключенном канале ничего не делает.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.gate.acquire(ctx); err != nil {
		return &ConnectError{Addr: c.addr, Err: err}
	}
	defer c.gate.release()

	if c.Connected() {
		return nil
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		c.logger.WithError(err).WithField("fatal", true).Errorf("%s connect fail", c.ip)
		return &ConnectError{Addr: c.addr, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.dec = json.NewDecoder(conn)
	c.connected = true
	c.sessionID = uuid.NewString()
	c.connectedAt = time.Now()
	c.lastUsed = c.connectedAt
	c.useCount = 0
	c.metrics.setConnected(c.addr, c.role, true)

	c.logger.WithField("session", c.sessionID).Debugf("%s connect success", c.ip)
	return nil
}

// Disconnect закрывает соединение. Повторный вызов безопасен.
func (c *Channel) Disconnect() {
	_ = c.gate.acquire(context.Background())
	defer c.gate.release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.logger.Error("socket already closed")
		return
	}
	c.teardownLocked()
	c.logger.Debug("disconnected")
}

func (c *Channel) teardownLocked() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.WithError(err).Debug("close socket")
		}
	}
	c.conn = nil
	c.dec = nil
	c.connected = false
	c.metrics.setConnected(c.addr, c.role, false)
}

// Connected сообщает, установлено ли соединение.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Info возвращает сведения о текущей сессии.
func (c *Channel) Info() models.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConnectionInfo{
		SessionID:   c.sessionID,
		Endpoint:    c.addr,
		Connected:   c.connected,
		ConnectedAt: c.connectedAt,
		LastUsed:    c.lastUsed,
		UseCount:    c.useCount,
	}
}

type sendOptions struct {
	id          int
	expectReply bool
}

// SendOption настраивает один вызов Send.
type SendOption func(*sendOptions)

// WithID задаёт id запроса.
func WithID(id int) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// NoReply отправляет команду, не дожидаясь ответа.
func NoReply() SendOption {
	return func(o *sendOptions) { o.expectReply = false }
}

// Send отправляет команду и ждёт ответ.
// Ожидание входа в эксклюзивную секцию прерывается контекстом, отправленный запрос - нет.
// Сбой сокета разрывает сессию и возвращается как *IOError.
func (c *Channel) Send(ctx context.Context, method string, params map[string]any, opts ...SendOption) (json.RawMessage, error) {
	if method == "" {
		c.logger.Warn("CMD: empty method name")
		return nil, ErrEmptyMethod
	}
	so := sendOptions{id: DefaultID, expectReply: true}
	for _, opt := range opts {
		opt(&so)
	}

	line, err := Encode(method, params, so.id)
	if err != nil {
		return nil, err
	}

	if err := c.gate.acquire(ctx); err != nil {
		c.logger.WithError(err).Warnf("CMD: %s |wait for channel aborted", method)
		return nil, err
	}
	defer c.gate.release()

	start := time.Now()
	result, outcome, err := c.roundTrip(ctx, method, line, so)
	c.metrics.observe(c.addr, method, outcome, time.Since(start))
	return result, err
}

// Command реализует model.Commander: Send с id и ожиданием ответа по умолчанию.
func (c *Channel) Command(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return c.Send(ctx, method, params)
}

// roundTrip выполняется только внутри эксклюзивной секции.
func (c *Channel) roundTrip(ctx context.Context, method string, line []byte, so sendOptions) (json.RawMessage, string, error) {
	c.mu.Lock()
	conn, dec, connected := c.conn, c.dec, c.connected
	c.mu.Unlock()
	if !connected {
		c.logger.Warnf("CMD: %s |not connected", method)
		return nil, outcomeNotConnected, ErrNotConnected
	}

	if c.traceIO {
		c.logger.Debugf("Send: Func is %s", method)
		c.logger.Debug(string(line))
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, outcomeIOError, c.fail(method, err)
	}

	if _, err := conn.Write(line); err != nil {
		return nil, outcomeIOError, c.fail(method, err)
	}
	if !so.expectReply {
		c.touch()
		return nil, outcomeSent, nil
	}

	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, outcomeIOError, c.fail(method, err)
	}
	c.touch()

	if c.traceIO {
		c.logger.Debugf("Recv: Func is %s", method)
		c.logger.Debug(string(raw))
	}

	resp := Decode(raw)
	switch resp.Kind {
	case KindSuccess:
		if resp.ID != so.id {
			if c.idPolicy == IDMismatchStrict {
				c.logger.Warnf("CMD: %s | id match fail, send_id=%d, recv_id=%d", method, so.id, resp.ID)
				return nil, outcomeIDMismatch, &ProtocolError{Kind: IDMismatch, Method: method, ID: resp.ID, SentID: so.id}
			}
			c.logger.Warnf("id match fail, send_id=%d, recv_id=%d", so.id, resp.ID)
		}
		return resp.Result, outcomeOK, nil
	case KindError:
		c.logger.Warnf("CMD: %s | %s", method, resp.Message)
		return nil, outcomePeerError, &ProtocolError{Kind: PeerError, Method: method, Message: resp.Message, ID: resp.ID, SentID: so.id}
	default:
		c.logger.Warnf("CMD: %s | unrecognized response: %s", method, string(raw))
		return nil, outcomeUnrecognized, &ProtocolError{Kind: Unrecognized, Method: method, ID: resp.ID, SentID: so.id}
	}
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.useCount++
	c.mu.Unlock()
}

// fail разрывает сессию после сбоя сокета.
func (c *Channel) fail(method string, err error) error {
	c.logger.WithError(err).WithField("fatal", true).Errorf("CMD: %s |Exception: %v", method, err)
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	return &IOError{Method: method, Addr: c.addr, Err: err}
}

// SetSendBufferSize задаёт размер буфера отправки сокета (SO_SNDBUF).
// При verbose значение до и после изменения записывается в лог с паузой на установление.
func (c *Channel) SetSendBufferSize(size int, verbose bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("send buffer: unsupported connection type %T", conn)
	}

	if !verbose {
		return tcp.SetWriteBuffer(size)
	}

	before, err := sendBufferSize(tcp)
	if err != nil {
		return fmt.Errorf("read send buffer: %w", err)
	}
	c.logger.Infof("before_send_buff: %d", before)
	if err := tcp.SetWriteBuffer(size); err != nil {
		return fmt.Errorf("set send buffer: %w", err)
	}
	time.Sleep(c.settle)
	after, err := sendBufferSize(tcp)
	if err != nil {
		return fmt.Errorf("read send buffer: %w", err)
	}
	c.logger.Infof("after_send_buff: %d", after)
	time.Sleep(c.settle)
	return nil
}

// Call отправляет команду и раскодирует результат в T.
func Call[T any](ctx context.Context, cmd model.Commander, method string, params map[string]any) (T, error) {
	var out T
	raw, err := cmd.Command(ctx, method, params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ProtocolError{Kind: Unrecognized, Method: method, Message: err.Error()}
	}
	return out, nil
}
