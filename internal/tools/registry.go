package tools

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/warp-terra/repoagent/internal/observability"
)

// Declaration is the provider-neutral description of one tool. The same
// Parameters schema is advertised to the model and used to validate the
// arguments the model sends back.
type Declaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Declarations returns the closed set of repository tools.
func Declarations() []Declaration {
	return []Declaration{
		{
			Name: "search_files",
			Description: "在当前代码仓库中递归搜索包含指定文本的文件。" +
				"返回匹配的文件路径、行号和内容片段。" +
				"适合用于查找函数定义、类定义、特定字符串、import 语句等。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "要搜索的文本关键词，例如函数名、类名、变量名或任意字符串",
					},
				},
				"required": []any{"query"},
			},
		},
		{
			Name: "read_file",
			Description: "读取指定文件的内容片段。" +
				"需要提供文件的相对路径（相对于项目根目录）以及可选的起止行号。" +
				"用于查看文件具体内容、理解代码逻辑。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "文件的相对路径，例如 'src/main.py' 或 'README.md'",
					},
					"start_line": map[string]any{
						"type":        "integer",
						"description": "起始行号（从 1 开始，默认 1）",
					},
					"end_line": map[string]any{
						"type":        "integer",
						"description": "结束行号（包含该行，默认 120）",
					},
				},
				"required": []any{"path"},
			},
		},
		{
			Name: "list_dir",
			Description: "列出指定目录的文件和子目录结构（最深 2 层）。" +
				"用于了解项目结构、发现文件。",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "要列出的目录的相对路径，默认为项目根目录 '.'",
					},
				},
				"required": []any{},
			},
		},
	}
}

// Registry binds the tool declarations to a workspace and validates
// model-supplied arguments against each declaration's schema before
// dispatch.
type Registry struct {
	workspace *Workspace
	decls     []Declaration
	schemas   map[string]*jsonschema.Schema
	logger    *slog.Logger
}

// NewRegistry compiles the declared parameter schemas and returns a
// registry bound to the workspace.
func NewRegistry(workspace *Workspace, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	decls := Declarations()
	schemas := make(map[string]*jsonschema.Schema, len(decls))
	for _, decl := range decls {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(decl.Name+".json", strings.NewReader(mustJSON(decl.Parameters))); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", decl.Name, err)
		}
		schema, err := compiler.Compile(decl.Name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", decl.Name, err)
		}
		schemas[decl.Name] = schema
	}
	return &Registry{
		workspace: workspace,
		decls:     decls,
		schemas:   schemas,
		logger:    logger,
	}, nil
}

// Declarations returns the registry's tool declarations.
func (r *Registry) Declarations() []Declaration {
	return r.decls
}

// Execute validates args against the named tool's schema and runs it.
// Failures of any kind come back as the result string itself.
func (r *Registry) Execute(name string, args map[string]any) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("工具执行出错：panic: %v", rec)
		}
	}()

	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Sprintf("错误：未知的工具函数 '%s'", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(toJSONValue(args)); err != nil {
		return fmt.Sprintf("工具执行出错：ValidationError: %v", err)
	}

	observability.ToolExecutionsTotal.WithLabelValues(name).Inc()

	switch name {
	case "search_files":
		return r.workspace.SearchFiles(stringArg(args, "query", ""))
	case "read_file":
		return r.workspace.ReadFile(
			stringArg(args, "path", ""),
			intArg(args, "start_line", 1),
			intArg(args, "end_line", 120),
		)
	case "list_dir":
		return r.workspace.ListDir(stringArg(args, "path", "."))
	}
	return fmt.Sprintf("错误：未知的工具函数 '%s'", name)
}

func stringArg(args map[string]any, key, fallback string) string {
	if value, ok := args[key].(string); ok {
		return value
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	switch value := args[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case int64:
		return int(value)
	}
	return fallback
}
