package ipcbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ipcbus/internal/busconn"
	"github.com/ehrlich-b/go-ipcbus/internal/constants"
	"github.com/ehrlich-b/go-ipcbus/internal/entitlements"
	"github.com/ehrlich-b/go-ipcbus/internal/logging"
	"github.com/ehrlich-b/go-ipcbus/internal/sendercache"
	"github.com/ehrlich-b/go-ipcbus/internal/wire"
	"github.com/ehrlich-b/go-ipcbus/internal/workqueue"
)

// MethodHandler is invoked on the handler pool for each accepted inbound
// method call. The handler owns the sender: reply through it exactly once,
// or Close it to drop the call.
type MethodHandler func(sender *AsyncReplySender)

// SignalHandler is invoked on the handler pool for each matching inbound
// signal. Descriptor arguments are shared between all handlers registered
// for the same signal.
type SignalHandler func(args VariantList)

// MonitorEventType classifies a monitored bus message.
type MonitorEventType int

const (
	MethodCallEvent MonitorEventType = iota
	SignalEvent
	MethodReturnEvent
	ErrorEvent
)

// MonitorEvent is one bus message seen in monitor mode.
type MonitorEvent struct {
	Type        MonitorEventType
	Serial      uint32
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
	Args        VariantList
}

// MonitorHandler receives monitored bus traffic.
type MonitorHandler func(event MonitorEvent)

// PackageMetadata is the package information consulted by the entitlement
// gate. Capability maps a service name to the interfaces the package may
// call; a "*" service key allows everything, an empty interface list
// allows every interface of that service.
type PackageMetadata struct {
	AppID      string
	UserID     uint32
	Capability map[string][]string
}

// PackageManager enumerates loaded packages for the entitlement gate.
type PackageManager interface {
	LoadedAppIDs() []string
	Metadata(appID string) (PackageMetadata, bool)
}

// pmAdapter bridges the public PackageManager to the entitlement cache.
type pmAdapter struct {
	pm PackageManager
}

func (a pmAdapter) LoadedAppIDs() []string {
	return a.pm.LoadedAppIDs()
}

func (a pmAdapter) Metadata(appID string) (entitlements.Metadata, bool) {
	md, ok := a.pm.Metadata(appID)
	return entitlements.Metadata{
		AppID:      md.AppID,
		UserID:     md.UserID,
		Capability: entitlements.Capability(md.Capability),
	}, ok
}

// Config carries the construction parameters of a Service.
type Config struct {
	// Address is "session", "system", or a "unix:path=..." bus address.
	Address string

	// ServiceName is the well-known name to claim. Required.
	ServiceName string

	// DefaultTimeout applies to method calls invoked with a negative
	// timeout. Zero selects the built-in default.
	DefaultTimeout time.Duration

	// PackageManager enables the entitlement machinery when set.
	PackageManager PackageManager

	// EnableEntitlementCheck gates inbound method calls by sender uid.
	// Requires PackageManager.
	EnableEntitlementCheck bool

	// AllowRootBypass skips the entitlement check for uid 0 senders,
	// mirroring a debug-build convenience of the daemons this serves.
	AllowRootBypass bool

	// LogLevel ("debug", "info", "warn", "error"), LogFormat ("text" or
	// "json") and LogOutput override the default logger when set.
	LogLevel  string
	LogFormat string
	LogOutput io.Writer
}

type methodReg struct {
	method  Method
	handler MethodHandler
}

type signalReg struct {
	signal  Signal
	handler SignalHandler
}

// Service is the IPC facade: one bus connection with its event-loop
// thread, a FIFO handler pool for user callbacks, handler registration
// tables keyed by match rule, and the optional entitlement gate.
type Service struct {
	log     *logging.Logger
	conn    *busconn.Connection
	metrics *Metrics

	serviceName    string
	defaultTimeout time.Duration

	handlerQueue *workqueue.Queue

	mu                  sync.Mutex
	running             bool
	methodHandlers      map[string]methodReg
	signalHandlers      map[string]signalReg
	nextSignalHandlerID uint64
	objectPaths         map[string]int
	inMonitorMode       bool
	monitorCb           MonitorHandler
	monitorRules        []string

	entitlements     *entitlements.Cache
	senderCache      *sendercache.Cache
	entitlementCheck bool
	allowRootBypass  bool
	nameChangedRegID string

	closed bool
}

// New connects to the bus, claims the service name, and returns a stopped
// service. Call Start to begin dispatching handlers.
func New(cfg Config) (*Service, error) {
	if cfg.Address == "" {
		return nil, newError("New", ErrCodeInvalidArgument, "bus address is required")
	}
	if cfg.ServiceName == "" {
		return nil, newError("New", ErrCodeInvalidArgument, "service name is required")
	}
	if cfg.EnableEntitlementCheck && cfg.PackageManager == nil {
		return nil, newError("New", ErrCodeInvalidArgument, "entitlement check requires a package manager")
	}

	log := logging.Default()
	if cfg.LogLevel != "" || cfg.LogFormat != "" || cfg.LogOutput != nil {
		lc := logging.DefaultConfig()
		switch cfg.LogLevel {
		case "debug":
			lc.Level = logging.LevelDebug
		case "warn":
			lc.Level = logging.LevelWarn
		case "error":
			lc.Level = logging.LevelError
		}
		if cfg.LogFormat != "" {
			lc.Format = cfg.LogFormat
		}
		if cfg.LogOutput != nil {
			lc.Output = cfg.LogOutput
		}
		log = logging.NewLogger(lc)
	}

	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultMethodCallTimeout
	}

	conn := busconn.New(log)
	if err := conn.Connect(cfg.Address, cfg.ServiceName); err != nil {
		return nil, wrapError("New", ErrCodeBus, "failed to connect to the bus", err)
	}

	svc := &Service{
		log:              log,
		conn:             conn,
		metrics:          NewMetrics(),
		serviceName:      cfg.ServiceName,
		defaultTimeout:   defaultTimeout,
		handlerQueue:     workqueue.New("ipc-handlers", log),
		methodHandlers:   make(map[string]methodReg),
		signalHandlers:   make(map[string]signalReg),
		nextSignalHandlerID: 1,
		objectPaths:      make(map[string]int),
		entitlementCheck: cfg.EnableEntitlementCheck,
		allowRootBypass:  cfg.AllowRootBypass,
	}

	if cfg.PackageManager != nil {
		svc.entitlements = entitlements.New(pmAdapter{pm: cfg.PackageManager}, log)
		svc.senderCache = sendercache.New(svc.entitlements.ApplicationStopped, log)

		regID, err := svc.RegisterSignalHandler(
			NewSignal(constants.BusDaemonObject, constants.BusDaemonInterface, "NameOwnerChanged"),
			svc.nameOwnerChanged)
		if err != nil {
			log.Errorf("failed to register for NameOwnerChanged, stale sender mappings will not be evicted: %v", err)
		} else {
			svc.nameChangedRegID = regID
		}
	}
	return svc, nil
}

// Start enables handler dispatch. Registrations made while stopped are
// preserved.
func (s *Service) Start() bool {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		s.log.Errorf("IPC service already started: Start() has no impact")
		return false
	}
	s.running = true
	s.mu.Unlock()

	s.conn.RegisterMessageHandler(s.handleBusMessage)
	return true
}

// Stop disables handler dispatch and waits for already-queued handlers to
// finish. Registrations stay installed for the next Start.
func (s *Service) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Infof("IPC service not running - Stop() has no impact")
		return false
	}
	s.running = false
	s.mu.Unlock()

	s.conn.RegisterMessageHandler(nil)
	s.handlerQueue.Sync()
	return true
}

// Close stops the service, removes every registration, disconnects from
// the bus and stops the handler pool.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	s.unregisterHandlers()
	s.conn.Disconnect()
	s.handlerQueue.Close()
	s.metrics.Stop()
	return nil
}

// Metrics returns the service's counters.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// UniqueName returns the unique bus name of the underlying connection.
func (s *Service) UniqueName() string {
	return s.conn.UniqueName()
}

// ServiceName returns the claimed well-known name.
func (s *Service) ServiceName() string {
	return s.serviceName
}

// IsServiceAvailable asks the bus whether the named service currently has
// an owner.
func (s *Service) IsServiceAvailable(serviceName string) (bool, error) {
	owned, err := s.conn.NameHasOwner(serviceName)
	if err != nil {
		return false, wrapError("IsServiceAvailable", ErrCodeBus, "NameHasOwner failed", err)
	}
	return owned, nil
}

// InvokeMethod sends a method call and returns the getter for its reply.
// A negative timeout selects the service default.
func (s *Service) InvokeMethod(method Method, args VariantList, timeout time.Duration) (*AsyncReplyGetter, error) {
	if !method.Valid() {
		return nil, newError("InvokeMethod", ErrCodeInvalidArgument,
			fmt.Sprintf("invalid method: name %s, interface %s, path %s", method.Name, method.Interface, method.Object))
	}

	sig, body, fds, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: method.Service,
		Path:        method.Object,
		Interface:   method.Interface,
		Member:      method.Name,
		Signature:   sig,
		Body:        body,
		Fds:         fds,
		Order:       binary.LittleEndian,
	}

	if timeout < 0 {
		timeout = s.defaultTimeout
	}
	token, err := s.conn.SendMessageWithReply(msg, timeout)
	if err != nil {
		return nil, wrapError("InvokeMethod", ErrCodeBus, "failed to send method call", err)
	}
	s.metrics.CallsSent.Add(1)
	return newAsyncReplyGetter(s.conn, s.log, s.metrics, token), nil
}

// Call is the synchronous variant of InvokeMethod: it sends the call and
// blocks for the reply arguments.
func (s *Service) Call(method Method, args VariantList, timeout time.Duration) (VariantList, error) {
	getter, err := s.InvokeMethod(method, args, timeout)
	if err != nil {
		return nil, err
	}
	return getter.GetReply()
}

// EmitSignal broadcasts a signal.
func (s *Service) EmitSignal(signal Signal, args VariantList) error {
	if !signal.Valid() {
		return newError("EmitSignal", ErrCodeInvalidArgument,
			fmt.Sprintf("invalid signal: name %s, interface %s, path %s", signal.Name, signal.Interface, signal.Object))
	}

	sig, body, fds, err := marshalArgs(args)
	if err != nil {
		return err
	}
	msg := &wire.Message{
		Type:      wire.TypeSignal,
		Path:      signal.Object,
		Interface: signal.Interface,
		Member:    signal.Name,
		Signature: sig,
		Body:      body,
		Fds:       fds,
		Order:     binary.LittleEndian,
	}
	if err := s.conn.SendMessageNoReply(msg); err != nil {
		return wrapError("EmitSignal", ErrCodeBus, "failed to emit signal", err)
	}
	s.metrics.SignalsEmitted.Add(1)
	return nil
}

// RegisterMethodHandler exports a method of this service. The returned id
// (the match rule itself) unregisters it. At most one handler may exist
// per match rule.
func (s *Service) RegisterMethodHandler(method Method, handler MethodHandler) (string, error) {
	if !method.Valid() {
		return "", newError("RegisterMethodHandler", ErrCodeInvalidArgument,
			fmt.Sprintf("invalid method: name %s, interface %s, path %s", method.Name, method.Interface, method.Object))
	}
	if method.Service != s.serviceName {
		return "", newError("RegisterMethodHandler", ErrCodeInvalidArgument,
			fmt.Sprintf("invalid service name %s", method.Service))
	}

	matchRule := method.MatchRule()

	s.mu.Lock()
	if _, exists := s.methodHandlers[matchRule]; exists {
		s.mu.Unlock()
		return "", newError("RegisterMethodHandler", ErrCodeDuplicateHandler,
			fmt.Sprintf("method handler already registered for match rule %s", matchRule))
	}
	s.registerObjectPath(method.Object)
	s.methodHandlers[matchRule] = methodReg{method: method, handler: handler}
	s.mu.Unlock()

	if err := s.conn.AddMatch(matchRule); err != nil {
		s.mu.Lock()
		delete(s.methodHandlers, matchRule)
		s.unregisterObjectPath(method.Object)
		s.mu.Unlock()
		return "", wrapError("RegisterMethodHandler", ErrCodeBus, "failed to add match rule", err)
	}
	return matchRule, nil
}

// RegisterSignalHandler subscribes to a signal. Multiple registrations for
// the same signal are allowed; each returns a fresh numeric id.
func (s *Service) RegisterSignalHandler(signal Signal, handler SignalHandler) (string, error) {
	if !signal.Valid() {
		return "", newError("RegisterSignalHandler", ErrCodeInvalidArgument,
			fmt.Sprintf("invalid signal: name %s, interface %s, path %s", signal.Name, signal.Interface, signal.Object))
	}

	matchRule := signal.MatchRule()
	if err := s.conn.AddMatch(matchRule); err != nil {
		return "", wrapError("RegisterSignalHandler", ErrCodeBus,
			fmt.Sprintf("failed to add signal match rule %q", matchRule), err)
	}

	s.mu.Lock()
	s.registerObjectPath(signal.Object)
	regID := strconv.FormatUint(s.nextSignalHandlerID, 10)
	s.nextSignalHandlerID++
	s.signalHandlers[regID] = signalReg{signal: signal, handler: handler}
	s.mu.Unlock()

	return regID, nil
}

// UnregisterHandler removes a registration by id, dropping its match rule
// and object-path reference. Safe to call from any goroutine, including a
// handler running on the handler pool; it does not wait for running
// handlers.
func (s *Service) UnregisterHandler(regID string) error {
	var matchRule, objectPath string

	s.mu.Lock()
	if reg, ok := s.methodHandlers[regID]; ok {
		matchRule = reg.method.MatchRule()
		objectPath = reg.method.Object
		delete(s.methodHandlers, regID)
	} else if reg, ok := s.signalHandlers[regID]; ok {
		matchRule = reg.signal.MatchRule()
		objectPath = reg.signal.Object
		delete(s.signalHandlers, regID)
	} else {
		s.mu.Unlock()
		return newError("UnregisterHandler", ErrCodeUnknownHandler,
			fmt.Sprintf("unable to unregister: invalid registration id %s", regID))
	}
	s.unregisterObjectPath(objectPath)
	s.mu.Unlock()

	if err := s.conn.RemoveMatch(matchRule); err != nil {
		s.log.Errorf("failed to remove match rule %q: %v", matchRule, err)
	}
	return nil
}

// Flush guarantees every handler queued before the call has completed.
func (s *Service) Flush() {
	s.handlerQueue.Sync()
}

// EnableMonitor switches the service into monitor mode: the incoming
// pipeline gates are skipped and every message is forwarded to the
// handler. Rules are installed with eavesdrop semantics; an empty set
// monitors everything.
func (s *Service) EnableMonitor(matchRules []string, handler MonitorHandler) error {
	s.mu.Lock()
	if s.inMonitorMode {
		for _, rule := range s.monitorRules {
			if err := s.conn.RemoveMatch(rule); err != nil {
				s.log.Errorf("failed to remove monitor match rule %q: %v", rule, err)
			}
		}
	}
	s.monitorRules = s.monitorRules[:0]
	if len(matchRules) == 0 {
		s.monitorRules = append(s.monitorRules, "eavesdrop=true")
	} else {
		for _, rule := range matchRules {
			s.monitorRules = append(s.monitorRules, "eavesdrop=true,"+rule)
		}
	}
	s.monitorCb = handler
	s.inMonitorMode = true
	rules := append([]string(nil), s.monitorRules...)
	s.mu.Unlock()

	for _, rule := range rules {
		if err := s.conn.AddMatch(rule); err != nil {
			s.log.Errorf("failed to add monitor match rule %q: %v", rule, err)
		}
	}
	return nil
}

// DisableMonitor restores normal dispatch.
func (s *Service) DisableMonitor() error {
	s.mu.Lock()
	if !s.inMonitorMode {
		s.mu.Unlock()
		s.log.Warnf("not in monitor mode")
		return newError("DisableMonitor", ErrCodeInvalidArgument, "not in monitor mode")
	}
	rules := append([]string(nil), s.monitorRules...)
	s.monitorRules = nil
	s.inMonitorMode = false
	s.monitorCb = nil
	s.mu.Unlock()

	for _, rule := range rules {
		if err := s.conn.RemoveMatch(rule); err != nil {
			s.log.Errorf("failed to remove monitor match rule %q: %v", rule, err)
		}
	}
	return nil
}

// handleBusMessage is the connection's message filter; it runs on the
// event-loop goroutine and must never block on user code.
func (s *Service) handleBusMessage(msg *wire.Message) {
	s.mu.Lock()
	monitoring := s.inMonitorMode
	s.mu.Unlock()

	if monitoring {
		s.handleMonitorEvent(msg)
		return
	}
	s.handleMessage(msg)
}

func (s *Service) handleMessage(msg *wire.Message) {
	if msg.Path == "" || msg.Interface == "" || msg.Member == "" {
		return
	}
	if !s.isRegisteredObjectPath(msg.Path) {
		return
	}

	switch msg.Type {
	case wire.TypeSignal:
		args, err := demarshalArgs(msg)
		if err != nil {
			s.metrics.ParseErrors.Add(1)
			s.log.Errorf("unable to parse signal arguments: %v", err)
			return
		}
		s.dispatchSignal(Signal{Object: msg.Path, Interface: msg.Interface, Name: msg.Member}, args)

	case wire.TypeMethodCall:
		if !s.isMessageAllowed(msg.Sender, msg.Interface) {
			s.metrics.MethodCallsDenied.Add(1)
			s.log.Warnf("method call %s.%s from %s denied by entitlement check",
				msg.Interface, msg.Member, msg.Sender)
			return
		}
		args, err := demarshalArgs(msg)
		if err != nil {
			s.metrics.ParseErrors.Add(1)
			s.log.Errorf("unable to parse method arguments: %v", err)
			return
		}
		s.dispatchMethodCall(msg, args)
	}
}

// dispatchSignal fans a signal out to every matching handler, in
// registration order, on the handler pool.
func (s *Service) dispatchSignal(signal Signal, args VariantList) {
	type match struct {
		id      uint64
		handler SignalHandler
	}
	var matches []match

	s.mu.Lock()
	for regID, reg := range s.signalHandlers {
		if reg.signal == signal {
			id, _ := strconv.ParseUint(regID, 10, 64)
			matches = append(matches, match{id: id, handler: reg.handler})
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })

	for _, m := range matches {
		handler := m.handler
		s.metrics.SignalsDispatched.Add(1)
		s.handlerQueue.Post(func() {
			start := time.Now()
			handler(args)
			s.metrics.RecordHandler(uint64(time.Since(start).Nanoseconds()))
		})
	}
}

// dispatchMethodCall hands an accepted call to its handler, or answers
// UnknownMethod when no handler matches.
func (s *Service) dispatchMethodCall(msg *wire.Message, args VariantList) {
	method := Method{
		Service:   s.serviceName,
		Object:    msg.Path,
		Interface: msg.Interface,
		Name:      msg.Member,
	}

	s.mu.Lock()
	reg, ok := s.methodHandlers[method.MatchRule()]
	s.mu.Unlock()

	if !ok {
		s.metrics.MethodCallsUnknown.Add(1)
		CloseArgs(args)
		s.sendUnknownMethod(msg)
		return
	}

	sender := newAsyncReplySender(s.conn, s.log, s.metrics, msg.Sender, msg.Serial, args)
	handler := reg.handler
	s.metrics.MethodCallsDispatched.Add(1)
	s.handlerQueue.Post(func() {
		start := time.Now()
		handler(sender)
		s.metrics.RecordHandler(uint64(time.Since(start).Nanoseconds()))
	})
}

// isMessageAllowed runs the entitlement gate for an inbound method call.
func (s *Service) isMessageAllowed(sender, iface string) bool {
	if s.entitlements == nil || !s.entitlementCheck {
		return true
	}
	if s.entitlements.IsInterfaceWhitelisted(iface) {
		return true
	}

	uid, ok := s.senderCache.UserID(sender)
	if !ok {
		resolved, err := s.conn.GetUnixUser(sender)
		if err != nil {
			s.log.Errorf("failed to resolve uid of sender %s: %v", sender, err)
			return false
		}
		if s.allowRootBypass && resolved == 0 {
			return true
		}
		s.senderCache.Add(sender, resolved)
		uid = resolved
	}

	return s.entitlements.IsAllowed(uid, s.serviceName, iface)
}

// sendUnknownMethod answers a call nobody handles with the bus-level
// UnknownMethod error.
func (s *Service) sendUnknownMethod(msg *wire.Message) {
	if msg.Sender == "" || msg.Flags&wire.FlagNoReplyExpected != 0 {
		return
	}
	e := wire.NewEncoder(0)
	e.PutString(fmt.Sprintf("no handler registered for %s.%s on %s", msg.Interface, msg.Member, msg.Path))
	reply := &wire.Message{
		Type:        wire.TypeError,
		ErrorName:   "org.freedesktop.DBus.Error.UnknownMethod",
		Destination: msg.Sender,
		ReplySerial: msg.Serial,
		Signature:   "s",
		Body:        e.Bytes(),
		Order:       binary.LittleEndian,
	}
	if err := s.conn.SendMessageNoReply(reply); err != nil {
		s.log.Errorf("failed to send UnknownMethod error: %v", err)
	}
}

// handleMonitorEvent forwards one monitored message to the monitor
// handler on the handler pool.
func (s *Service) handleMonitorEvent(msg *wire.Message) {
	s.mu.Lock()
	cb := s.monitorCb
	s.mu.Unlock()
	if cb == nil {
		return
	}

	event := MonitorEvent{
		Sender:      msg.Sender,
		Destination: msg.Destination,
		Path:        msg.Path,
		Interface:   msg.Interface,
		Member:      msg.Member,
	}
	switch msg.Type {
	case wire.TypeMethodCall:
		event.Type = MethodCallEvent
		event.Serial = msg.Serial
	case wire.TypeSignal:
		event.Type = SignalEvent
		event.Serial = msg.Serial
	case wire.TypeMethodReturn:
		event.Type = MethodReturnEvent
		event.Serial = msg.ReplySerial
	case wire.TypeError:
		event.Type = ErrorEvent
		event.Serial = msg.ReplySerial
		event.Member = msg.ErrorName
	default:
		s.log.Errorf("unknown message type received in monitor mode")
		return
	}

	args, err := demarshalArgs(msg)
	if err != nil {
		s.metrics.ParseErrors.Add(1)
		s.log.Errorf("failed to parse args for monitor event: %v", err)
		return
	}
	event.Args = args

	s.handlerQueue.Post(func() { cb(event) })
}

// nameOwnerChanged feeds the sender cache from the bus daemon's
// NameOwnerChanged signal.
func (s *Service) nameOwnerChanged(args VariantList) {
	var name, oldOwner, newOwner string
	if err := ParseArgs(args, &name, &oldOwner, &newOwner); err != nil {
		s.log.Errorf("error getting NameOwnerChanged args: %v", err)
		return
	}
	s.log.Debugf("NameOwnerChanged(%q, %q, %q)", name, oldOwner, newOwner)
	if s.senderCache != nil {
		s.senderCache.NameOwnerChanged(name, oldOwner, newOwner)
	}
}

// registerObjectPath adds a reference to an object path, registering it on
// first use. Caller holds s.mu.
func (s *Service) registerObjectPath(path string) {
	s.objectPaths[path]++
}

// unregisterObjectPath drops a reference, releasing the path when the
// count reaches zero. Caller holds s.mu.
func (s *Service) unregisterObjectPath(path string) {
	count, ok := s.objectPaths[path]
	if !ok {
		s.log.Errorf("object path %q not registered", path)
		return
	}
	if count <= 1 {
		delete(s.objectPaths, path)
		return
	}
	s.objectPaths[path] = count - 1
}

func (s *Service) isRegisteredObjectPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objectPaths[path]
	return ok
}

// unregisterHandlers removes every match rule and clears both handler
// tables. Used on Close.
func (s *Service) unregisterHandlers() {
	s.mu.Lock()
	rules := make([]string, 0, len(s.methodHandlers)+len(s.signalHandlers))
	for _, reg := range s.methodHandlers {
		rules = append(rules, reg.method.MatchRule())
	}
	for _, reg := range s.signalHandlers {
		rules = append(rules, reg.signal.MatchRule())
	}
	s.methodHandlers = make(map[string]methodReg)
	s.signalHandlers = make(map[string]signalReg)
	s.objectPaths = make(map[string]int)
	s.mu.Unlock()

	for _, rule := range rules {
		if err := s.conn.RemoveMatch(rule); err != nil {
			s.log.Errorf("failed to remove match rule %q: %v", rule, err)
		}
	}
}
