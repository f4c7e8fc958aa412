// Package ipcbus provides the IPC service used to glue the container
// runtime together: a D-Bus client endpoint with a single event-loop thread
// per connection, token-based async method calls, handler registration with
// match rules, and per-sender entitlement gating.
package ipcbus

// Value is a single argument value carried in a VariantList. The set of
// implementations is closed: booleans, fixed-width integers, unix file
// descriptors, strings, object paths, homogeneous vectors of each of those,
// and a string-keyed dictionary of scalar values.
type Value interface {
	// Signature returns the D-Bus type signature of the value.
	Signature() string
}

// DictValue is the subset of Value allowed as a dictionary entry value.
// Vectors and nested dictionaries are excluded so a dictionary can never
// contain another container.
type DictValue interface {
	Value
	dictValue()
}

// VariantList is an ordered argument list.
type VariantList []Value

// Scalar values

type Bool bool
type Byte uint8
type Int16 int16
type Uint16 uint16
type Int32 int32
type Uint32 uint32
type Int64 int64
type Uint64 uint64
type String string
type ObjectPath string

func (Bool) Signature() string       { return "b" }
func (Byte) Signature() string       { return "y" }
func (Int16) Signature() string      { return "n" }
func (Uint16) Signature() string     { return "q" }
func (Int32) Signature() string      { return "i" }
func (Uint32) Signature() string     { return "u" }
func (Int64) Signature() string      { return "x" }
func (Uint64) Signature() string     { return "t" }
func (String) Signature() string     { return "s" }
func (ObjectPath) Signature() string { return "o" }

func (Bool) dictValue()       {}
func (Byte) dictValue()       {}
func (Int16) dictValue()      {}
func (Uint16) dictValue()     {}
func (Int32) dictValue()      {}
func (Uint32) dictValue()     {}
func (Int64) dictValue()      {}
func (Uint64) dictValue()     {}
func (String) dictValue()     {}
func (ObjectPath) dictValue() {}

// Vector values

type BoolVector []Bool
type ByteVector []Byte
type Int16Vector []Int16
type Uint16Vector []Uint16
type Int32Vector []Int32
type Uint32Vector []Uint32
type Int64Vector []Int64
type Uint64Vector []Uint64
type StringVector []String
type ObjectPathVector []ObjectPath
type FdVector []*UnixFd

func (BoolVector) Signature() string       { return "ab" }
func (ByteVector) Signature() string       { return "ay" }
func (Int16Vector) Signature() string      { return "an" }
func (Uint16Vector) Signature() string     { return "aq" }
func (Int32Vector) Signature() string      { return "ai" }
func (Uint32Vector) Signature() string     { return "au" }
func (Int64Vector) Signature() string      { return "ax" }
func (Uint64Vector) Signature() string     { return "at" }
func (StringVector) Signature() string     { return "as" }
func (ObjectPathVector) Signature() string { return "ao" }
func (FdVector) Signature() string         { return "ah" }

// Dict is a string-keyed dictionary. On the wire it is an array of
// dict-entries whose values are variants constrained to the DictValue set.
type Dict map[string]DictValue

func (Dict) Signature() string { return "a{sv}" }
