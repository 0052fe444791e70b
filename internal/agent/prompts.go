package agent

// Per-turn call-count safeguards. Effective calls are tool executions that
// actually ran; raw calls count every request the model emitted, deduped
// or not.
const (
	MaxToolCallsPerTurn    = 15
	MaxRawToolCallsPerTurn = 60
)

// SystemPrompt steers the model toward grounded, tool-backed answers about
// the local repository.
const SystemPrompt = `你是一个本地代码仓库问答助手，帮助用户理解当前项目的结构与实现。

规则：
1. 严禁凭空编造文件内容。你没有亲自读到的代码，一律不得引用或描述。
2. 任何关于项目结构或代码内容的结论，都必须先通过工具调用获取依据。
3. 回答使用中文，但代码标识符（函数名、类名、变量名、文件名等）保持英文原样。
4. 工具使用策略：先用 list_dir 了解目录结构，再用 search_files 定位相关代码，最后用 read_file 查看具体实现。
5. 回答应简洁准确，引用文件路径和行号以便用户核对。`
