package fuzzer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

const textAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 _-."

// Sampler turns resolved schema nodes into concrete request values.
// All randomness flows through the owned rng, so a seed pins every
// value of a run. The probability fields may be adjusted before the
// first draw; afterwards they must be left alone to keep the stream
// reproducible.
type Sampler struct {
	rng *rand.Rand

	// MaxDepth bounds recursion through nested and self-referential
	// schemas; past it a terminal value is substituted.
	MaxDepth      int
	OptionalProb  float64 // chance an optional property or body is included
	NullProb      float64 // chance a nullable schema yields null
	BoundaryProb  float64 // chance a draw snaps to a boundary value
	MalformedProb float64 // chance a formatted string is deliberately broken
	ExtraPropProb float64 // chance an undeclared property is injected
	OversizeProb  float64 // chance a bounded string overshoots its maximum
}

// NewSampler returns a sampler with default probabilities, seeded with
// seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{
		rng:           rand.New(rand.NewSource(seed)),
		MaxDepth:      8,
		OptionalProb:  0.5,
		NullProb:      0.05,
		BoundaryProb:  0.25,
		MalformedProb: 0.25,
		ExtraPropProb: 0.1,
		OversizeProb:  0.05,
	}
}

// Payload draws a fresh set of values for the parameters and body of
// one operation. Required parameters and bodies are always present;
// optional ones are included with OptionalProb.
func (s *Sampler) Payload(op *Operation) *Payload {
	p := &Payload{
		Path:   map[string]*structpb.Value{},
		Query:  map[string]*structpb.Value{},
		Header: map[string]*structpb.Value{},
		Cookie: map[string]*structpb.Value{},
	}
	for _, param := range op.Parameters {
		if !param.Required && s.rng.Float64() >= s.OptionalProb {
			continue
		}
		value := s.Value(param.Schema, 0)
		switch param.In {
		case openapi3.ParameterInPath:
			p.Path[param.Name] = value
		case openapi3.ParameterInQuery:
			p.Query[param.Name] = value
		case openapi3.ParameterInHeader:
			p.Header[param.Name] = value
		case openapi3.ParameterInCookie:
			p.Cookie[param.Name] = value
		}
	}
	if op.Body != nil && (op.BodyRequired || s.rng.Float64() < s.OptionalProb) {
		p.Body = s.Value(op.Body, 0)
		p.BodyType = op.BodyMediaType
	}
	return p
}

// Value samples one value for a schema node. depth starts at zero and
// increments on every descent into items, properties and alternatives;
// at MaxDepth the recursion is cut off with a terminal value.
func (s *Sampler) Value(ref *openapi3.SchemaRef, depth int) *structpb.Value {
	if ref == nil || ref.Value == nil {
		return structpb.NewNullValue()
	}
	schema := ref.Value
	if depth >= s.MaxDepth {
		return terminalValue(schema)
	}
	if len(schema.AllOf) > 0 {
		return s.Value(s.mergeAllOf(schema, depth), depth)
	}
	if len(schema.OneOf) > 0 {
		return s.Value(schema.OneOf[s.rng.Intn(len(schema.OneOf))], depth+1)
	}
	if len(schema.AnyOf) > 0 {
		return s.Value(schema.AnyOf[s.rng.Intn(len(schema.AnyOf))], depth+1)
	}
	if schema.Nullable && s.rng.Float64() < s.NullProb {
		return structpb.NewNullValue()
	}
	if len(schema.Enum) > 0 {
		v, err := structpb.NewValue(schema.Enum[s.rng.Intn(len(schema.Enum))])
		if err != nil {
			return structpb.NewNullValue()
		}
		return v
	}
	switch schema.Type {
	case "boolean":
		return structpb.NewBoolValue(s.rng.Intn(2) == 0)
	case "integer":
		return structpb.NewNumberValue(float64(s.integer(schema)))
	case "number":
		return structpb.NewNumberValue(s.number(schema))
	case "string":
		return structpb.NewStringValue(s.text(schema))
	case "array":
		return s.array(schema, depth)
	case "object":
		return s.object(schema, depth)
	default:
		if len(schema.Properties) > 0 {
			return s.object(schema, depth)
		}
		if schema.Items != nil {
			return s.array(schema, depth)
		}
		return s.anyScalar()
	}
}

func (s *Sampler) integer(schema *openapi3.Schema) int64 {
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	if schema.Min != nil {
		lo = boundToInt64(math.Ceil(*schema.Min))
		if schema.ExclusiveMin && lo < math.MaxInt64 {
			lo++
		}
	}
	if schema.Max != nil {
		hi = boundToInt64(math.Floor(*schema.Max))
		if schema.ExclusiveMax && hi > math.MinInt64 {
			hi--
		}
	}
	if lo > hi {
		// Unsatisfiable bounds, settle on the lower one.
		return lo
	}
	if s.rng.Float64() < s.BoundaryProb {
		candidates := []int64{lo, hi}
		if lo < hi {
			candidates = append(candidates, lo+1, hi-1)
		}
		if lo <= 0 && 0 <= hi {
			candidates = append(candidates, 0)
		}
		if lo <= -1 && -1 <= hi {
			candidates = append(candidates, -1)
		}
		return candidates[s.rng.Intn(len(candidates))]
	}
	// The span can exceed MaxInt64, so width arithmetic runs unsigned.
	// Adding the draw back onto lo stays exact under two's complement.
	span := uint64(hi) - uint64(lo) + 1
	if span == 0 { // lo..hi covers every int64
		return int64(s.rng.Uint64())
	}
	return lo + int64(s.rng.Uint64()%span)
}

// boundToInt64 truncates a numeric bound to int64, saturating where the
// float exceeds the integer range.
func boundToInt64(f float64) int64 {
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	if f <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(f)
}

func (s *Sampler) number(schema *openapi3.Schema) float64 {
	lo, hi := -1e9, 1e9
	if schema.Min != nil {
		lo = *schema.Min
		if schema.ExclusiveMin {
			lo = math.Nextafter(lo, math.Inf(1))
		}
	}
	if schema.Max != nil {
		hi = *schema.Max
		if schema.ExclusiveMax {
			hi = math.Nextafter(hi, math.Inf(-1))
		}
	}
	if lo > hi {
		return lo
	}
	if s.rng.Float64() < s.BoundaryProb {
		candidates := []float64{lo, hi}
		if lo+1 <= hi {
			candidates = append(candidates, lo+1, hi-1)
		}
		if lo <= 0 && 0 <= hi {
			candidates = append(candidates, 0)
		}
		if lo <= -1 && -1 <= hi {
			candidates = append(candidates, -1)
		}
		return candidates[s.rng.Intn(len(candidates))]
	}
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Sampler) text(schema *openapi3.Schema) string {
	if schema.Pattern != "" {
		return s.patternString(schema.Pattern)
	}
	if schema.Format != "" && s.rng.Float64() >= s.MalformedProb {
		return s.formatted(schema.Format)
	}
	lo := int(schema.MinLength)
	hi := lo + 16
	if schema.MaxLength != nil {
		hi = int(*schema.MaxLength)
		if s.rng.Float64() < s.OversizeProb {
			// Deliberate overshoot; length limits are a classic
			// unvalidated input.
			return s.randomText(hi + 1)
		}
	}
	if hi < lo {
		hi = lo
	}
	n := lo
	if s.rng.Float64() < s.BoundaryProb {
		if s.rng.Intn(2) == 0 {
			n = hi
		}
	} else if hi > lo {
		n = lo + s.rng.Intn(hi-lo+1)
	}
	return s.randomText(n)
}

func (s *Sampler) formatted(format string) string {
	switch format {
	case "date":
		return s.randomTime().Format("2006-01-02")
	case "date-time":
		return s.randomTime().Format(time.RFC3339)
	case "uuid":
		b := make([]byte, 16)
		s.rng.Read(b)
		b[6] = (b[6] & 0x0f) | 0x40
		b[8] = (b[8] & 0x3f) | 0x80
		id, err := uuid.FromBytes(b)
		if err != nil {
			return uuid.Nil.String()
		}
		return id.String()
	case "email":
		return s.randomWord(8) + "@" + s.randomWord(6) + ".example"
	case "hostname":
		return s.randomWord(10) + ".example"
	case "uri", "url":
		return "https://" + s.randomWord(8) + ".example/" + s.randomWord(5)
	case "ipv4":
		return net.IPv4(byte(s.rng.Intn(256)), byte(s.rng.Intn(256)), byte(s.rng.Intn(256)), byte(s.rng.Intn(256))).String()
	case "ipv6":
		b := make([]byte, net.IPv6len)
		s.rng.Read(b)
		return net.IP(b).String()
	case "byte":
		raw := make([]byte, 1+s.rng.Intn(12))
		s.rng.Read(raw)
		return base64.StdEncoding.EncodeToString(raw)
	case "password":
		return s.randomWord(12)
	default:
		return s.randomWord(8)
	}
}

func (s *Sampler) array(schema *openapi3.Schema, depth int) *structpb.Value {
	lo := int(schema.MinItems)
	hi := lo + 3
	if schema.MaxItems != nil {
		hi = int(*schema.MaxItems)
	}
	if hi < lo {
		hi = lo
	}
	n := lo
	if s.rng.Float64() >= s.BoundaryProb && hi > lo {
		n = lo + s.rng.Intn(hi-lo+1)
	}
	values := make([]*structpb.Value, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, s.Value(schema.Items, depth+1))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func (s *Sampler) object(schema *openapi3.Schema, depth int) *structpb.Value {
	required := map[string]bool{}
	for _, name := range schema.Required {
		required[name] = true
	}

	// Properties are visited in sorted order so the rng stream, and
	// with it the whole run, stays reproducible.
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := map[string]*structpb.Value{}
	for _, name := range names {
		if !required[name] && s.rng.Float64() >= s.OptionalProb {
			continue
		}
		fields[name] = s.Value(schema.Properties[name], depth+1)
	}

	// Required names without a property schema still get a value.
	for _, name := range schema.Required {
		if _, ok := fields[name]; !ok {
			fields[name] = s.Value(schema.Properties[name], depth+1)
		}
	}

	if s.allowsExtra(schema) && s.rng.Float64() < s.ExtraPropProb {
		key := "x_" + s.randomWord(6)
		if _, ok := fields[key]; !ok {
			fields[key] = s.Value(schema.AdditionalProperties, depth+1)
		}
	}

	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func (s *Sampler) allowsExtra(schema *openapi3.Schema) bool {
	if schema.AdditionalProperties != nil {
		return true
	}
	return schema.AdditionalPropertiesAllowed == nil || *schema.AdditionalPropertiesAllowed
}

// anyScalar covers schemas that declare no type at all.
func (s *Sampler) anyScalar() *structpb.Value {
	switch s.rng.Intn(3) {
	case 0:
		return structpb.NewBoolValue(s.rng.Intn(2) == 0)
	case 1:
		return structpb.NewNumberValue(float64(s.rng.Intn(1000)))
	default:
		return structpb.NewStringValue(s.randomWord(6))
	}
}

func (s *Sampler) randomText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = textAlphabet[s.rng.Intn(len(textAlphabet))]
	}
	return string(b)
}

func (s *Sampler) randomWord(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + s.rng.Intn(26))
	}
	return string(b)
}

func (s *Sampler) randomTime() time.Time {
	// Anywhere between the epoch and the year 2100.
	return time.Unix(s.rng.Int63n(4102444800), 0).UTC()
}

// terminalValue closes out recursion past the depth bound without
// descending further. Required object keys still appear, with nulls
// standing in for their values.
func terminalValue(schema *openapi3.Schema) *structpb.Value {
	switch schema.Type {
	case "boolean":
		return structpb.NewBoolValue(false)
	case "integer", "number":
		if schema.Min != nil && *schema.Min > 0 {
			return structpb.NewNumberValue(*schema.Min)
		}
		if schema.Max != nil && *schema.Max < 0 {
			return structpb.NewNumberValue(*schema.Max)
		}
		return structpb.NewNumberValue(0)
	case "string":
		return structpb.NewStringValue(strings.Repeat("a", int(schema.MinLength)))
	case "array":
		return structpb.NewListValue(&structpb.ListValue{})
	case "object":
		fields := map[string]*structpb.Value{}
		for _, name := range schema.Required {
			fields[name] = structpb.NewNullValue()
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	default:
		return structpb.NewNullValue()
	}
}

// mergeAllOf folds allOf branches into one schema; the more restrictive
// constraint wins wherever branches disagree. Nested allOf members fold
// recursively until depth reaches MaxDepth; past the bound a branch
// contributes only its direct constraints, which keeps reference cycles
// finite.
func (s *Sampler) mergeAllOf(schema *openapi3.Schema, depth int) *openapi3.SchemaRef {
	merged := *schema
	merged.AllOf = nil
	merged.Required = append([]string{}, schema.Required...)
	for _, ref := range schema.AllOf {
		if ref == nil || ref.Value == nil {
			continue
		}
		sub := ref.Value
		if len(sub.AllOf) > 0 && depth < s.MaxDepth {
			sub = s.mergeAllOf(sub, depth+1).Value
		}
		if merged.Type == "" {
			merged.Type = sub.Type
		}
		if sub.Min != nil && (merged.Min == nil || *sub.Min > *merged.Min) {
			merged.Min = sub.Min
			merged.ExclusiveMin = sub.ExclusiveMin
		}
		if sub.Max != nil && (merged.Max == nil || *sub.Max < *merged.Max) {
			merged.Max = sub.Max
			merged.ExclusiveMax = sub.ExclusiveMax
		}
		if sub.MinLength > merged.MinLength {
			merged.MinLength = sub.MinLength
		}
		if sub.MaxLength != nil && (merged.MaxLength == nil || *sub.MaxLength < *merged.MaxLength) {
			merged.MaxLength = sub.MaxLength
		}
		if sub.MinItems > merged.MinItems {
			merged.MinItems = sub.MinItems
		}
		if sub.MaxItems != nil && (merged.MaxItems == nil || *sub.MaxItems < *merged.MaxItems) {
			merged.MaxItems = sub.MaxItems
		}
		if merged.Pattern == "" {
			merged.Pattern = sub.Pattern
		}
		if merged.Format == "" {
			merged.Format = sub.Format
		}
		if len(sub.Enum) > 0 {
			if len(merged.Enum) == 0 {
				merged.Enum = sub.Enum
			} else {
				merged.Enum = intersectEnums(merged.Enum, sub.Enum)
			}
		}
		if merged.Items == nil {
			merged.Items = sub.Items
		}
		merged.Required = append(merged.Required, sub.Required...)
		if len(sub.Properties) > 0 {
			props := openapi3.Schemas{}
			for name, prop := range merged.Properties {
				props[name] = prop
			}
			for name, prop := range sub.Properties {
				if _, ok := props[name]; !ok {
					props[name] = prop
				}
			}
			merged.Properties = props
		}
		merged.Nullable = merged.Nullable && sub.Nullable
	}
	return &openapi3.SchemaRef{Value: &merged}
}

// intersectEnums keeps the values present in both sets. An empty
// intersection leaves the enum unset, falling back to type-directed
// sampling.
func intersectEnums(a []interface{}, b []interface{}) []interface{} {
	keys := make(map[string]bool, len(b))
	for _, v := range b {
		keys[enumKey(v)] = true
	}
	out := []interface{}{}
	for _, v := range a {
		if keys[enumKey(v)] {
			out = append(out, v)
		}
	}
	return out
}

func enumKey(v interface{}) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
