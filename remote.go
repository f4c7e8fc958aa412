package ipcbus

import "strings"

// Method identifies a remote (or locally exported) method: the service that
// owns it, the object path it lives on, and its interface and member name.
type Method struct {
	Service   string
	Object    string
	Interface string
	Name      string
}

// NewMethod constructs a Method entry.
func NewMethod(service, object, iface, name string) Method {
	return Method{Service: service, Object: object, Interface: iface, Name: name}
}

// Valid reports whether the entry satisfies the validity rule: object,
// interface and name non-empty, and for methods the service too.
func (m Method) Valid() bool {
	return m.Service != "" && m.Object != "" && m.Interface != "" && m.Name != ""
}

// MatchRule returns the canonical match-rule string for the method. The
// rule doubles as the registration key, so each (object, interface, member)
// triple accepts at most one handler.
func (m Method) MatchRule() string {
	var b strings.Builder
	b.WriteString("type='method_call'")
	appendRuleKey(&b, "interface", m.Interface)
	appendRuleKey(&b, "member", m.Name)
	appendRuleKey(&b, "path", m.Object)
	appendRuleKey(&b, "destination", m.Service)
	return b.String()
}

// Signal identifies a broadcast signal by object path, interface and member
// name.
type Signal struct {
	Object    string
	Interface string
	Name      string
}

// NewSignal constructs a Signal entry.
func NewSignal(object, iface, name string) Signal {
	return Signal{Object: object, Interface: iface, Name: name}
}

// Valid reports whether object, interface and name are all non-empty.
func (s Signal) Valid() bool {
	return s.Object != "" && s.Interface != "" && s.Name != ""
}

// MatchRule returns the canonical match-rule string for the signal.
func (s Signal) MatchRule() string {
	var b strings.Builder
	b.WriteString("type='signal'")
	appendRuleKey(&b, "interface", s.Interface)
	appendRuleKey(&b, "member", s.Name)
	appendRuleKey(&b, "path", s.Object)
	return b.String()
}

func appendRuleKey(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte(',')
	b.WriteString(key)
	b.WriteString("='")
	b.WriteString(value)
	b.WriteByte('\'')
}
