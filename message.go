package carrotjms

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/aleybovich/carrot-jms/jmserror"
	"github.com/aleybovich/carrot-jms/transport"
)

// DeliveryMode tells whether a message must survive a broker restart
type DeliveryMode int

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

func (m DeliveryMode) String() string {
	if m == NonPersistent {
		return "NON_PERSISTENT"
	}
	return "PERSISTENT"
}

const (
	DefaultDeliveryMode = Persistent
	DefaultPriority     = 4
)

// BodyKind identifies the body variant of a message
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyText
	BodyBytes
	BodyMap
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyBytes:
		return "bytes"
	case BodyMap:
		return "map"
	default:
		return "message"
	}
}

func parseBodyKind(s string) BodyKind {
	switch s {
	case "text":
		return BodyText
	case "bytes":
		return BodyBytes
	case "map":
		return BodyMap
	default:
		return BodyNone
	}
}

// Body is the encoded form of a message body
type Body struct {
	Kind BodyKind
	Data []byte
}

// Header carries the message headers and the application properties
type Header struct {
	MessageID     string
	Timestamp     time.Time
	DeliveryMode  DeliveryMode
	Priority      int
	Expiration    time.Time
	DeliveryTime  time.Time
	Redelivered   bool
	DeliveryCount int
	CorrelationID string
	Type          string
	ReplyTo       *Destination
	Destination   *Destination

	Properties map[string]any
}

// Sendable is what a producer needs from a message
type Sendable interface {
	Header() *Header
	EncodeBody() (Body, error)
}

// Message is a text, bytes, map or body-less message.
//
// A message handed to an asynchronous send must not be modified until its
// completion listener has been called.
type Message struct {
	header Header
	kind   BodyKind
	text   string
	data   []byte
	values map[string]any

	// set on received messages
	delivery *delivery
}

var _ Sendable = (*Message)(nil)

// NewMessage creates a message without a body
func NewMessage() *Message {
	return &Message{header: Header{DeliveryMode: DefaultDeliveryMode, Priority: DefaultPriority}}
}

// NewTextMessage creates a message with a text body
func NewTextMessage(text string) *Message {
	m := NewMessage()
	m.kind = BodyText
	m.text = text
	return m
}

// NewBytesMessage creates a message with an opaque byte body
func NewBytesMessage(data []byte) *Message {
	m := NewMessage()
	m.kind = BodyBytes
	m.data = data
	return m
}

// NewMapMessage creates a message whose body is a map of typed values.
// Values are restricted to the property types.
func NewMapMessage(values map[string]any) (*Message, error) {
	for k, v := range values {
		if _, err := transport.EncodeValue(v); err != nil {
			return nil, jmserror.Wrap(jmserror.MessageFormat, err, "map entry '%s'", k)
		}
	}
	m := NewMessage()
	m.kind = BodyMap
	m.values = make(map[string]any, len(values))
	for k, v := range values {
		m.values[k] = v
	}
	return m, nil
}

func (m *Message) Header() *Header {
	return &m.header
}

func (m *Message) BodyKind() BodyKind {
	return m.kind
}

// Text returns the body of a text message
func (m *Message) Text() (string, error) {
	if m.kind != BodyText {
		return "", jmserror.New(jmserror.MessageFormat, "cannot read a %s body as text", m.kind)
	}
	return m.text, nil
}

// Bytes returns the body of a bytes message
func (m *Message) Bytes() ([]byte, error) {
	if m.kind != BodyBytes {
		return nil, jmserror.New(jmserror.MessageFormat, "cannot read a %s body as bytes", m.kind)
	}
	return m.data, nil
}

// Map returns a copy of the body of a map message
func (m *Message) Map() (map[string]any, error) {
	if m.kind != BodyMap {
		return nil, jmserror.New(jmserror.MessageFormat, "cannot read a %s body as a map", m.kind)
	}
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

// EncodeBody serializes the body for the transport
func (m *Message) EncodeBody() (Body, error) {
	switch m.kind {
	case BodyText:
		return Body{Kind: BodyText, Data: []byte(m.text)}, nil
	case BodyBytes:
		return Body{Kind: BodyBytes, Data: m.data}, nil
	case BodyMap:
		data, err := transport.MarshalProperties(m.values)
		if err != nil {
			return Body{}, jmserror.Wrap(jmserror.MessageFormat, err, "encoding map body")
		}
		return Body{Kind: BodyMap, Data: data}, nil
	default:
		return Body{}, nil
	}
}

func decodeBody(m *Message, kind BodyKind, data []byte) error {
	m.kind = kind
	switch kind {
	case BodyText:
		m.text = string(data)
	case BodyBytes:
		m.data = data
	case BodyMap:
		values, err := transport.UnmarshalProperties(data)
		if err != nil {
			return jmserror.Wrap(jmserror.MessageFormat, err, "decoding map body")
		}
		m.values = values
	}
	return nil
}

var selectorKeywords = map[string]struct{}{
	"NULL": {}, "TRUE": {}, "FALSE": {}, "NOT": {}, "AND": {}, "OR": {},
	"BETWEEN": {}, "LIKE": {}, "IN": {}, "IS": {}, "ESCAPE": {},
}

func validPropertyName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '$' || r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	if _, ok := selectorKeywords[strings.ToUpper(name)]; ok {
		return false
	}
	return !strings.HasPrefix(name, "JMS") || strings.HasPrefix(name, "JMSX")
}

// SetProperty sets an application property. Values must be bool, int8,
// int16, int32, int64, float32, float64 or string.
func (m *Message) SetProperty(name string, value any) error {
	if !validPropertyName(name) {
		return jmserror.New(jmserror.MessageFormat, "invalid property name '%s'", name)
	}
	if _, err := transport.EncodeValue(value); err != nil {
		return jmserror.Wrap(jmserror.MessageFormat, err, "property '%s'", name)
	}
	if m.header.Properties == nil {
		m.header.Properties = make(map[string]any)
	}
	m.header.Properties[name] = value
	return nil
}

func (m *Message) SetBoolProperty(name string, v bool) error      { return m.SetProperty(name, v) }
func (m *Message) SetByteProperty(name string, v int8) error      { return m.SetProperty(name, v) }
func (m *Message) SetShortProperty(name string, v int16) error    { return m.SetProperty(name, v) }
func (m *Message) SetIntProperty(name string, v int32) error      { return m.SetProperty(name, v) }
func (m *Message) SetLongProperty(name string, v int64) error     { return m.SetProperty(name, v) }
func (m *Message) SetFloatProperty(name string, v float32) error  { return m.SetProperty(name, v) }
func (m *Message) SetDoubleProperty(name string, v float64) error { return m.SetProperty(name, v) }
func (m *Message) SetStringProperty(name, v string) error         { return m.SetProperty(name, v) }

// Property returns an application property
func (m *Message) Property(name string) (any, bool) {
	v, ok := m.header.Properties[name]
	return v, ok
}

// StringProperty returns a property converted the way selectors see it
func (m *Message) StringProperty(name string) (string, error) {
	v, ok := m.header.Properties[name]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", jmserror.New(jmserror.MessageFormat, "property '%s' is %T, not a string", name, v)
	}
	return s, nil
}

// PropertyNames returns the application property names in sorted order
func (m *Message) PropertyNames() []string {
	names := make([]string, 0, len(m.header.Properties))
	for k := range m.header.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *Message) ClearProperties() {
	m.header.Properties = nil
}

// Lookup exposes headers and properties to message selectors
func (m *Message) Lookup(name string) (any, bool) {
	h := &m.header
	switch name {
	case "JMSDeliveryMode":
		return h.DeliveryMode.String(), true
	case "JMSPriority":
		return int32(h.Priority), true
	case "JMSMessageID":
		return h.MessageID, h.MessageID != ""
	case "JMSTimestamp":
		return h.Timestamp.UnixMilli(), !h.Timestamp.IsZero()
	case "JMSCorrelationID":
		return h.CorrelationID, h.CorrelationID != ""
	case "JMSType":
		return h.Type, h.Type != ""
	case "JMSXDeliveryCount":
		return int32(h.DeliveryCount), h.DeliveryCount > 0
	}
	return m.Property(name)
}

// Acknowledge acknowledges this message and every message delivered before
// it by the same client-acknowledge session. In other modes it does nothing.
func (m *Message) Acknowledge(ctx context.Context) error {
	if m.delivery == nil {
		return nil
	}
	return m.delivery.session.acknowledgeUpTo(ctx, m.delivery)
}

// transport property keys used for headers
const (
	propMessageID     = "JMSMessageID"
	propTimestamp     = "JMSTimestamp"
	propDeliveryMode  = "JMSDeliveryMode"
	propPriority      = "JMSPriority"
	propExpiration    = "JMSExpiration"
	propDeliveryTime  = "JMSDeliveryTime"
	propCorrelationID = "JMSCorrelationID"
	propType          = "JMSType"
	propReplyTo       = "JMSReplyTo"
	propDestination   = "JMSDestination"
	propBodyKind      = "jms-msg-type"
	propConnectionID  = "jms-connection-id"
)

// toTransport builds the transport envelope of msg
func toTransport(msg Sendable, connectionID string) (*transport.Message, error) {
	h := msg.Header()
	body, err := msg.EncodeBody()
	if err != nil {
		return nil, err
	}

	props := make(map[string]any, len(h.Properties)+12)
	for k, v := range h.Properties {
		props[k] = v
	}
	props[propDeliveryMode] = int32(h.DeliveryMode)
	props[propPriority] = int32(h.Priority)
	props[propBodyKind] = body.Kind.String()
	props[propConnectionID] = connectionID
	if h.MessageID != "" {
		props[propMessageID] = h.MessageID
	}
	if !h.Timestamp.IsZero() {
		props[propTimestamp] = h.Timestamp.UnixMilli()
	}
	if !h.Expiration.IsZero() {
		props[propExpiration] = h.Expiration.UnixMilli()
	}
	if !h.DeliveryTime.IsZero() {
		props[propDeliveryTime] = h.DeliveryTime.UnixMilli()
	}
	if h.CorrelationID != "" {
		props[propCorrelationID] = h.CorrelationID
	}
	if h.Type != "" {
		props[propType] = h.Type
	}
	if h.ReplyTo != nil {
		props[propReplyTo] = h.ReplyTo.String()
	}
	if h.Destination != nil {
		props[propDestination] = h.Destination.String()
	}
	return &transport.Message{Properties: props, Body: body.Data}, nil
}

// fromTransport rebuilds a received message
func fromTransport(tm *transport.Message) (*Message, error) {
	m := NewMessage()
	h := &m.header
	var kind BodyKind

	for k, v := range tm.Properties {
		switch k {
		case propMessageID:
			h.MessageID, _ = v.(string)
		case propTimestamp:
			if ms, ok := v.(int64); ok {
				h.Timestamp = time.UnixMilli(ms)
			}
		case propDeliveryMode:
			if n, ok := v.(int32); ok {
				h.DeliveryMode = DeliveryMode(n)
			}
		case propPriority:
			if n, ok := v.(int32); ok {
				h.Priority = int(n)
			}
		case propExpiration:
			if ms, ok := v.(int64); ok {
				h.Expiration = time.UnixMilli(ms)
			}
		case propDeliveryTime:
			if ms, ok := v.(int64); ok {
				h.DeliveryTime = time.UnixMilli(ms)
			}
		case propCorrelationID:
			h.CorrelationID, _ = v.(string)
		case propType:
			h.Type, _ = v.(string)
		case propReplyTo:
			s, _ := v.(string)
			h.ReplyTo = parseDestination(s)
		case propDestination:
			s, _ := v.(string)
			h.Destination = parseDestination(s)
		case propBodyKind:
			s, _ := v.(string)
			kind = parseBodyKind(s)
		case propConnectionID:
		default:
			if h.Properties == nil {
				h.Properties = make(map[string]any)
			}
			h.Properties[k] = v
		}
	}

	h.Redelivered = tm.RedeliveryCount > 0
	h.DeliveryCount = tm.RedeliveryCount + 1
	if err := decodeBody(m, kind, tm.Body); err != nil {
		return nil, err
	}
	return m, nil
}

func connectionOf(tm *transport.Message) string {
	s, _ := tm.Properties[propConnectionID].(string)
	return s
}
