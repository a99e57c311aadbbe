package steps

import (
	"context"
	"errors"
	"mime"
	"path"
	"strings"

	"github.com/petal-labs/petalpipe/core"
	"github.com/petal-labs/petalpipe/filestore"
	"github.com/petal-labs/petalpipe/vars"
)

// File operations.
const (
	FileRead   = "read"
	FileWrite  = "write"
	FileDelete = "delete"
	FileList   = "list"
)

// FileExecutor reads and writes objects in a filestore.Store.
//
// Config: operation (read|write|delete|list), path, content (write),
// content_type (write), prefix (list).
type FileExecutor struct {
	Store filestore.Store
}

// Execute implements Executor.
func (e *FileExecutor) Execute(ctx context.Context, step core.Step, inputs map[string]any, rc RunContext) Result {
	op := strings.ToLower(configString(inputs, "operation"))
	if e.Store == nil {
		return Fail(core.ErrorKindInternal, "file step %s: no file store configured", step.ID)
	}

	switch op {
	case FileRead:
		key := configString(inputs, "path")
		if key == "" {
			return Fail(core.ErrorKindValidation, "file step %s: path is required", step.ID)
		}
		data, err := e.Store.Read(ctx, key)
		if err != nil {
			return fileFailure(step, op, err)
		}
		return Success{
			Outputs: map[string]any{"path": key, "content": string(data), "size": len(data)},
			Metrics: map[string]any{"bytes_read": len(data)},
		}

	case FileWrite:
		key := configString(inputs, "path")
		if key == "" {
			return Fail(core.ErrorKindValidation, "file step %s: path is required", step.ID)
		}
		content, ok := inputs["content"]
		if !ok {
			return Fail(core.ErrorKindValidation, "file step %s: content is required", step.ID)
		}
		data := []byte(vars.Stringify(content))
		contentType := configString(inputs, "content_type")
		if contentType == "" {
			contentType = mime.TypeByExtension(path.Ext(key))
		}
		if err := e.Store.Write(ctx, key, data, contentType); err != nil {
			return fileFailure(step, op, err)
		}
		return Success{
			Outputs: map[string]any{"path": key, "size": len(data)},
			Metrics: map[string]any{"bytes_written": len(data)},
		}

	case FileDelete:
		key := configString(inputs, "path")
		if key == "" {
			return Fail(core.ErrorKindValidation, "file step %s: path is required", step.ID)
		}
		if err := e.Store.Delete(ctx, key); err != nil {
			return fileFailure(step, op, err)
		}
		return Success{Outputs: map[string]any{"path": key, "deleted": true}}

	case FileList:
		objects, err := e.Store.List(ctx, configString(inputs, "prefix"))
		if err != nil {
			return fileFailure(step, op, err)
		}
		files := make([]any, 0, len(objects))
		for _, obj := range objects {
			files = append(files, map[string]any{
				"key":           obj.Key,
				"size":          obj.Size,
				"content_type":  obj.ContentType,
				"last_modified": obj.LastModified,
			})
		}
		return Success{
			Outputs: map[string]any{"files": files, "count": len(files)},
			Metrics: map[string]any{"count": len(files)},
		}

	case "":
		return Fail(core.ErrorKindValidation, "file step %s: operation is required", step.ID)
	default:
		return Fail(core.ErrorKindValidation, "file step %s: unknown operation %q", step.ID, op)
	}
}

func fileFailure(step core.Step, op string, err error) Failure {
	switch {
	case errors.Is(err, filestore.ErrNotFound), errors.Is(err, filestore.ErrInvalidKey):
		return Fail(core.ErrorKindValidation, "file step %s: %s: %v", step.ID, op, err)
	default:
		f := FailureFrom(err, core.ErrorKindExternalService)
		f.Message = "file step " + step.ID + ": " + op + ": " + f.Message
		return f
	}
}
