package dag

// PhysicalKind tags what a PhysicalTask actually dispatches to at execution
// time.
type PhysicalKind string

const (
	PhysicalMCPCall  PhysicalKind = "mcp_call"
	PhysicalCodeExec PhysicalKind = "code_exec"
)

// FusionPattern records which fusion pass produced a fused task, if any.
type FusionPattern string

const (
	FusionNone       FusionPattern = ""
	FusionSequential FusionPattern = "sequential"
	FusionForkJoin   FusionPattern = "fork-join"
)

// SandboxConfig is the minimal configuration the code sandbox needs to run a
// code_exec task: the allowed scope and, for loop tasks, the tool names it
// may invoke inline.
type SandboxConfig struct {
	Scope     SandboxScope
	BodyTools []string
}

// TaskMetadata carries the provenance and fusion details a PhysicalTask
// needs for trace reconstruction and capability storage.
type TaskMetadata struct {
	Pure          bool
	FusedFrom     []string // logical node ids this task replaces, in fusion order
	LogicalTools  []string // tool names of the fused logical nodes, same order
	FusionPattern FusionPattern
	LoopID        string
	BodyTools     []string
}

// PhysicalTask is one unit of execution in the physical DAG. Every fused or
// standalone logical node maps to exactly one physical task; decision nodes,
// loop-body nodes and nested non-executable operations map to none. The
// mapping is many-to-one.
type PhysicalTask struct {
	ID            string
	Kind          PhysicalKind
	Tool          string
	Code          string
	Deps          []string
	Metadata      TaskMetadata
	SandboxConfig SandboxConfig
}

// BuildResult is the DAG builder's full output.
type BuildResult struct {
	Tasks            []PhysicalTask
	LogicalToPhysical map[string]string
	PhysicalToLogical map[string][]string
	LogicalDAG        *LogicalDAG
}
