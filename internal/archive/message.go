package archive

// MessageValue is one (column id, value) entry of a parsed message.
type MessageValue struct {
	ColumnID int32
	Value    any
}

// ParsedMessage is an already typed record. Entries must be added in the same
// order as the schema writer's columns, which is ascending column id. Values
// are int64 for integers, float64 for floats, bool for booleans, uint64
// dictionary ids for strings and arrays, and []GenericField for truncated
// objects.
type ParsedMessage struct {
	content []MessageValue
}

// NewParsedMessage creates an empty message with room for n values
func NewParsedMessage(n int) *ParsedMessage {
	return &ParsedMessage{content: make([]MessageValue, 0, n)}
}

// Add appends a value for column id
func (m *ParsedMessage) Add(id int32, value any) {
	m.content = append(m.content, MessageValue{ColumnID: id, Value: value})
}

// Content returns the entries in insertion order
func (m *ParsedMessage) Content() []MessageValue {
	return m.content
}

// Len returns the number of entries
func (m *ParsedMessage) Len() int {
	return len(m.content)
}

// Clear empties the message so it can be reused for the next record
func (m *ParsedMessage) Clear() {
	m.content = m.content[:0]
}
