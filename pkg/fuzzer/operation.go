package fuzzer

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// operationsOrder fixes the method iteration order so runs over the
// same document always enumerate operations identically.
var operationsOrder = []string{http.MethodOptions, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet, http.MethodDelete, http.MethodTrace}

// LoadSpec reads an OpenAPI 3 document and resolves its references.
func LoadSpec(path string) (*openapi3.Swagger, error) {
	loader := openapi3.NewSwaggerLoader()
	loader.IsExternalRefsAllowed = true
	return loader.LoadSwaggerFromFile(path)
}

// Parameter is one declared operation input.
type Parameter struct {
	Name     string
	In       string
	Required bool
	Schema   *openapi3.SchemaRef
}

// Operation is one path template and method pair from the document,
// with parameters merged from the path item and the operation itself.
type Operation struct {
	Path          string
	Method        string
	Parameters    []Parameter
	Body          *openapi3.SchemaRef
	BodyRequired  bool
	BodyMediaType string
	declared      map[int]bool
}

// ID identifies the operation in logs and reports.
func (op *Operation) ID() string {
	return op.Method + " " + op.Path
}

// Declares reports whether the document lists code as an expected
// response for this operation.
func (op *Operation) Declares(code int) bool {
	return op.declared[code]
}

// Operations enumerates the document's operations in a stable order:
// paths sorted lexically, methods in operationsOrder.
func Operations(doc *openapi3.Swagger) []Operation {
	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	ops := []Operation{}
	for _, path := range paths {
		pathItem := doc.Paths[path]
		for _, method := range operationsOrder {
			operation := pathItem.GetOperation(method)
			if operation == nil {
				continue
			}
			ops = append(ops, newOperation(path, method, pathItem, operation))
		}
	}
	return ops
}

func newOperation(path string, method string, pathItem *openapi3.PathItem, operation *openapi3.Operation) Operation {
	// Operation parameters take priority over path item ones. A
	// parameter is identified by its location and name together.
	refs := map[string]*openapi3.ParameterRef{}
	merged := append(append(openapi3.Parameters{}, pathItem.Parameters...), operation.Parameters...)
	for _, ref := range merged {
		if ref == nil || ref.Value == nil {
			continue
		}
		refs[ref.Value.In+" "+ref.Value.Name] = ref
	}

	keys := make([]string, 0, len(refs))
	for key := range refs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	params := make([]Parameter, 0, len(keys))
	for _, key := range keys {
		ref := refs[key]
		params = append(params, Parameter{
			Name: ref.Value.Name,
			In:   ref.Value.In,
			// A path parameter is always sampled so the template
			// substitutes fully, whatever the document says.
			Required: ref.Value.Required || ref.Value.In == openapi3.ParameterInPath,
			Schema:   ref.Value.Schema,
		})
	}

	op := Operation{Path: path, Method: method, Parameters: params, declared: map[int]bool{}}

	if operation.RequestBody != nil && operation.RequestBody.Value != nil {
		mediaTypes := make([]string, 0, len(operation.RequestBody.Value.Content))
		for mt := range operation.RequestBody.Value.Content {
			mediaTypes = append(mediaTypes, mt)
		}
		sort.Strings(mediaTypes)
		for _, mt := range mediaTypes {
			if strings.Contains(strings.ToLower(mt), "json") {
				op.Body = operation.RequestBody.Value.Content[mt].Schema
				op.BodyRequired = operation.RequestBody.Value.Required
				op.BodyMediaType = mt
				break
			}
		}
	}

	for code := range operation.Responses {
		c, err := strconv.Atoi(code)
		if err != nil {
			continue // "default" and class patterns such as 5XX
		}
		op.declared[c] = true
	}

	return op
}
