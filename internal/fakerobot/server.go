// Package fakerobot реализует TCP-сервер, говорящий на командном протоколе контроллера.
// Используется в тестах вместо реального робота.
package fakerobot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// Request - запрос, полученный сервером.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int            `json:"id"`
}

// HandlerFunc обрабатывает один метод. Результат кодируется в JSON и
// передаётся строкой в поле result; ошибка - объектом error.
type HandlerFunc func(req Request) (any, error)

// Server handles command TCP connections
type Server struct {
	listener net.Listener
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	raw        map[string]string
	silent     map[string]bool
	conns      map[net.Conn]struct{}
	calls      []Request
	delay      time.Duration
	idOffset   int
	dropNext   bool
	violations int
}

// Start запускает сервер на случайном локальном порту.
func Start() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s := &Server{
		listener: listener,
		stopChan: make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
		raw:      make(map[string]string),
		silent:   make(map[string]bool),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Host возвращает адрес, на котором слушает сервер.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port возвращает порт сервера.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// Handle регистрирует обработчик метода.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply регистрирует обработчик, всегда возвращающий result.
func (s *Server) Reply(method string, result any) {
	s.Handle(method, func(Request) (any, error) { return result, nil })
}

// ReplyRaw заставляет сервер отвечать на метод заданной строкой как есть.
func (s *Server) ReplyRaw(method, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[method] = raw
}

// Silence заставляет сервер не отвечать на метод.
func (s *Server) Silence(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = true
}

// SetDelay задаёт задержку перед каждым ответом.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetIDOffset сдвигает id в ответах относительно id запросов.
func (s *Server) SetIDOffset(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idOffset = n
}

// DropNext закрывает соединение при получении следующего запроса.
func (s *Server) DropNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = true
}

// Calls возвращает все полученные запросы по порядку.
func (s *Server) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Methods возвращает имена методов всех полученных запросов по порядку.
func (s *Server) Methods() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// CallCount возвращает число запросов метода.
func (s *Server) CallCount(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Violations возвращает число нарушений очередности: некорректных строк запроса
// или запросов, пришедших до отправки ответа на предыдущий.
func (s *Server) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Close останавливает сервер и закрывает все соединения.
func (s *Server) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}
	err := s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("fakerobot: accept: %v", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection обрабатывает запросы соединения строго по одному.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil || req.JSONRPC != "2.0" {
			s.mu.Lock()
			s.violations++
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, req)
		drop := s.dropNext
		s.dropNext = false
		delay := s.delay
		silent := s.silent[req.Method]
		s.mu.Unlock()

		if drop {
			return
		}
		if silent {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if reader.Buffered() > 0 {
			s.mu.Lock()
			s.violations++
			s.mu.Unlock()
		}

		if _, err := conn.Write(s.respond(req)); err != nil {
			return
		}
	}
}

func (s *Server) respond(req Request) []byte {
	s.mu.Lock()
	raw, hasRaw := s.raw[req.Method]
	h, ok := s.handlers[req.Method]
	id := req.ID + s.idOffset
	s.mu.Unlock()

	if hasRaw {
		return []byte(raw)
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if !ok {
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
		return encodeLine(resp)
	}

	result, err := h(req)
	if err != nil {
		resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
		return encodeLine(resp)
	}
	inner, err := json.Marshal(result)
	if err != nil {
		resp["error"] = map[string]any{"code": -32603, "message": err.Error()}
		return encodeLine(resp)
	}
	resp["result"] = string(inner)
	return encodeLine(resp)
}

func encodeLine(v any) []byte {
	b, _ := json.Marshal(v)
	return append(b, '\n')
}
