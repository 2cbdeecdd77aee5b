package store

import (
	"encoding/json"
	"time"

	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/recipe/diff"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
)

const (
	KindJob                Kind = "job"
	KindJobType            Kind = "job_type"
	KindJobExecution       Kind = "job_exe"
	KindJobExecutionEnd    Kind = "job_exe_end"
	KindJobExecutionOutput Kind = "job_exe_output"
	KindJobInputFile       Kind = "job_input_file"
	KindTaskUpdate         Kind = "task_update"
	KindQueue              Kind = "queue"
	KindRecipe             Kind = "recipe"
	KindRecipeType         Kind = "recipe_type"
	KindRecipeTypeRevision Kind = "recipe_type_revision"
	KindRecipeNode         Kind = "recipe_node"
	KindRecipeCondition    Kind = "recipe_condition"
	KindRecipeInputFile    Kind = "recipe_input_file"
	KindBatch              Kind = "batch"
	KindBatchJob           Kind = "batch_job"
	KindBatchRecipe        Kind = "batch_recipe"
	KindNode               Kind = "node"
	KindScaleFile          Kind = "scale_file"
	KindFileAncestryLink   Kind = "file_ancestry_link"
	KindDataset            Kind = "dataset"
	KindDatasetMember      Kind = "dataset_member"
	KindPurgeResults       Kind = "purge_results"
	KindScheduler          Kind = "scheduler"
)

// AllKinds lists every kind a backend must be able to hold.
var AllKinds = []Kind{
	KindJob, KindJobType, KindJobExecution, KindJobExecutionEnd, KindJobExecutionOutput, KindJobInputFile,
	KindTaskUpdate, KindQueue, KindRecipe, KindRecipeType, KindRecipeTypeRevision, KindRecipeNode,
	KindRecipeCondition, KindRecipeInputFile, KindBatch, KindBatchJob, KindBatchRecipe, KindNode, KindScaleFile,
	KindFileAncestryLink, KindDataset, KindDatasetMember, KindPurgeResults, KindScheduler,
}

// Job statuses.
const (
	JobStatusPending   = "PENDING"
	JobStatusBlocked   = "BLOCKED"
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusFailed    = "FAILED"
	JobStatusCompleted = "COMPLETED"
	JobStatusCanceled  = "CANCELED"
)

// IsFinalJobStatus reports whether no further executions will happen without a requeue.
func IsFinalJobStatus(status string) bool {
	return status == JobStatusFailed || status == JobStatusCompleted || status == JobStatusCanceled
}

type Job struct {
	ID                  int64      `json:"id"`
	JobTypeID           int64      `json:"job_type_id"`
	JobTypeRevisionNum  int        `json:"job_type_rev_num"`
	EventID             int64      `json:"event_id,omitempty"`
	RecipeID            int64      `json:"recipe_id,omitempty"`
	RootRecipeID        int64      `json:"root_recipe_id,omitempty"`
	BatchID             int64      `json:"batch_id,omitempty"`
	Status              string     `json:"status"`
	NumExes             int        `json:"num_exes"`
	MaxTries            int        `json:"max_tries"`
	Priority            int        `json:"priority"`
	Timeout             int        `json:"timeout"`
	Input               *data.Data `json:"input,omitempty"`
	Output              *data.Data `json:"output,omitempty"`
	InputFileSize       float64    `json:"input_file_size"`
	ErrorID             int64      `json:"error_id,omitempty"`
	NodeID              int64      `json:"node_id,omitempty"`
	IsSuperseded        bool       `json:"is_superseded"`
	SupersededJobID     int64      `json:"superseded_job_id,omitempty"`
	RootSupersededJobID int64      `json:"root_superseded_job_id,omitempty"`
	Superseded          *time.Time `json:"superseded,omitempty"`
	Created             time.Time  `json:"created"`
	Queued              *time.Time `json:"queued,omitempty"`
	Started             *time.Time `json:"started,omitempty"`
	Ended               *time.Time `json:"ended,omitempty"`
	LastStatusChange    time.Time  `json:"last_status_change"`
	LastModified        time.Time  `json:"last_modified"`
}

func (*Job) Kind() Kind        { return KindJob }
func (j *Job) GetID() int64    { return j.ID }
func (j *Job) setID(id int64)  { j.ID = id }
func (j *Job) HasInput() bool  { return j.Input != nil }
func (j *Job) HasOutput() bool { return j.Output != nil }

// HasBeenQueued is true once the job has had at least one execution.
func (j *Job) HasBeenQueued() bool { return j.NumExes > 0 }

func (j *Job) CanBeBlocked() bool { return j.Status != JobStatusBlocked && !j.HasBeenQueued() }
func (j *Job) CanBePending() bool { return j.Status != JobStatusPending && !j.HasBeenQueued() }
func (j *Job) CanBeRunning() bool { return j.Status == JobStatusQueued }

// CanBeCanceled is true while the job has not finished.
func (j *Job) CanBeCanceled() bool {
	return j.Status != JobStatusCanceled && j.Status != JobStatusCompleted
}

// CanBeCompleted and CanBeFailed accept QUEUED jobs because the RUNNING update may arrive after the end.
func (j *Job) CanBeCompleted() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

func (j *Job) CanBeFailed() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

// CanBeQueued is true for the first queuing of a job with input.
func (j *Job) CanBeQueued() bool {
	return (j.Status == JobStatusPending || j.Status == JobStatusBlocked) && j.HasInput() && !j.HasBeenQueued() &&
		!j.IsSuperseded
}

// CanBeRequeued is true for jobs that have been queued before and have not completed.
func (j *Job) CanBeRequeued() bool {
	return j.Status != JobStatusCompleted && j.HasInput() && j.HasBeenQueued() && !j.IsSuperseded
}

// CanBeUncanceled is true for canceled jobs that were never queued.
func (j *Job) CanBeUncanceled() bool {
	return j.Status == JobStatusCanceled && !j.HasBeenQueued()
}

// RootRecipe is the top level recipe the job belongs to, or zero.
func (j *Job) RootRecipe() int64 {
	if j.RootRecipeID != 0 {
		return j.RootRecipeID
	}
	return j.RecipeID
}

type JobType struct {
	ID              int64                    `json:"id"`
	Name            string                   `json:"name"`
	Version         string                   `json:"version"`
	RevisionNum     int                      `json:"revision_num"`
	Title           string                   `json:"title,omitempty"`
	IsSystem        bool                     `json:"is_system"`
	IsActive        bool                     `json:"is_active"`
	IsPaused        bool                     `json:"is_paused"`
	IsPublished     bool                     `json:"is_published"`
	MaxScheduled    int                      `json:"max_scheduled,omitempty"`
	MaxTries        int                      `json:"max_tries"`
	Priority        int                      `json:"priority"`
	Timeout         int                      `json:"timeout"`
	DockerImage     string                   `json:"docker_image,omitempty"`
	Command         string                   `json:"command,omitempty"`
	Resources       *resources.NodeResources `json:"resources,omitempty"`
	InputInterface  *data.Interface          `json:"input_interface,omitempty"`
	OutputInterface *data.Interface          `json:"output_interface,omitempty"`
	ErrorMapping    map[int]string           `json:"error_mapping,omitempty"`
	Created         time.Time                `json:"created"`
	LastModified    time.Time                `json:"last_modified"`
}

func (*JobType) Kind() Kind       { return KindJobType }
func (t *JobType) GetID() int64   { return t.ID }
func (t *JobType) setID(id int64) { t.ID = id }

// GetResources returns the resources an execution of this job type needs, never nil.
func (t *JobType) GetResources() *resources.NodeResources {
	if t.Resources == nil {
		return resources.Empty()
	}
	return t.Resources.Copy()
}

// GetInputInterface returns the job type's input interface, never nil.
func (t *JobType) GetInputInterface() *data.Interface {
	if t.InputInterface == nil {
		return data.NewInterface()
	}
	return t.InputInterface
}

// GetOutputInterface returns the job type's output interface, never nil.
func (t *JobType) GetOutputInterface() *data.Interface {
	if t.OutputInterface == nil {
		return data.NewInterface()
	}
	return t.OutputInterface
}

type JobExecution struct {
	ID            int64                    `json:"id"`
	JobID         int64                    `json:"job_id"`
	JobTypeID     int64                    `json:"job_type_id"`
	ExeNum        int                      `json:"exe_num"`
	NodeID        int64                    `json:"node_id"`
	ClusterID     string                   `json:"cluster_id"`
	Timeout       int                      `json:"timeout"`
	InputFileSize float64                  `json:"input_file_size"`
	Resources     *resources.NodeResources `json:"resources,omitempty"`
	Queued        time.Time                `json:"queued"`
	Started       time.Time                `json:"started"`
}

func (*JobExecution) Kind() Kind       { return KindJobExecution }
func (e *JobExecution) GetID() int64   { return e.ID }
func (e *JobExecution) setID(id int64) { e.ID = id }

// TaskResult records one task of an execution.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	WasLaunched bool       `json:"was_launched"`
	Launched    *time.Time `json:"launched,omitempty"`
	Started     *time.Time `json:"started,omitempty"`
	Ended       *time.Time `json:"ended,omitempty"`
	Status      string     `json:"status,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

type JobExecutionEnd struct {
	ID          int64        `json:"id"`
	JobExeID    int64        `json:"job_exe_id"`
	JobID       int64        `json:"job_id"`
	JobTypeID   int64        `json:"job_type_id"`
	ExeNum      int          `json:"exe_num"`
	Status      string       `json:"status"`
	ErrorID     int64        `json:"error_id,omitempty"`
	NodeID      int64        `json:"node_id,omitempty"`
	TaskResults []TaskResult `json:"task_results,omitempty"`
	Queued      time.Time    `json:"queued"`
	Started     *time.Time   `json:"started,omitempty"`
	Ended       time.Time    `json:"ended"`
}

func (*JobExecutionEnd) Kind() Kind       { return KindJobExecutionEnd }
func (e *JobExecutionEnd) GetID() int64   { return e.ID }
func (e *JobExecutionEnd) setID(id int64) { e.ID = id }

type JobExecutionOutput struct {
	ID       int64      `json:"id"`
	JobExeID int64      `json:"job_exe_id"`
	JobID    int64      `json:"job_id"`
	ExeNum   int        `json:"exe_num"`
	Output   *data.Data `json:"output"`
}

func (*JobExecutionOutput) Kind() Kind       { return KindJobExecutionOutput }
func (o *JobExecutionOutput) GetID() int64   { return o.ID }
func (o *JobExecutionOutput) setID(id int64) { o.ID = id }

type JobInputFile struct {
	ID          int64  `json:"id"`
	JobID       int64  `json:"job_id"`
	InputFileID int64  `json:"input_file_id"`
	JobInput    string `json:"job_input"`
}

func (*JobInputFile) Kind() Kind       { return KindJobInputFile }
func (f *JobInputFile) GetID() int64   { return f.ID }
func (f *JobInputFile) setID(id int64) { f.ID = id }

type TaskUpdate struct {
	ID        int64     `json:"id"`
	JobExeID  int64     `json:"job_exe_id"`
	JobID     int64     `json:"job_id"`
	ExeNum    int       `json:"exe_num"`
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func (*TaskUpdate) Kind() Kind       { return KindTaskUpdate }
func (u *TaskUpdate) GetID() int64   { return u.ID }
func (u *TaskUpdate) setID(id int64) { u.ID = id }

// Queue is a job waiting to be scheduled. Its id is the job id, so a job is queued at most once.
type Queue struct {
	ID            int64                    `json:"id"`
	JobTypeID     int64                    `json:"job_type_id"`
	ExeNum        int                      `json:"exe_num"`
	Priority      int                      `json:"priority"`
	InputFileSize float64                  `json:"input_file_size"`
	Resources     *resources.NodeResources `json:"resources,omitempty"`
	Timeout       int                      `json:"timeout"`
	Queued        time.Time                `json:"queued"`
}

func (*Queue) Kind() Kind       { return KindQueue }
func (q *Queue) GetID() int64   { return q.ID }
func (q *Queue) setID(id int64) { q.ID = id }

type Recipe struct {
	ID                     int64      `json:"id"`
	RecipeTypeID           int64      `json:"recipe_type_id"`
	RecipeTypeRevisionNum  int        `json:"recipe_type_rev_num"`
	EventID                int64      `json:"event_id,omitempty"`
	BatchID                int64      `json:"batch_id,omitempty"`
	RecipeID               int64      `json:"recipe_id,omitempty"`
	RootRecipeID           int64      `json:"root_recipe_id,omitempty"`
	IsSuperseded           bool       `json:"is_superseded"`
	SupersededRecipeID     int64      `json:"superseded_recipe_id,omitempty"`
	RootSupersededRecipeID int64      `json:"root_superseded_recipe_id,omitempty"`
	Superseded             *time.Time `json:"superseded,omitempty"`
	Input                  *data.Data `json:"input,omitempty"`
	IsCompleted            bool       `json:"is_completed"`
	Completed              *time.Time `json:"completed,omitempty"`
	JobsTotal              int        `json:"jobs_total"`
	JobsPending            int        `json:"jobs_pending"`
	JobsBlocked            int        `json:"jobs_blocked"`
	JobsQueued             int        `json:"jobs_queued"`
	JobsRunning            int        `json:"jobs_running"`
	JobsFailed             int        `json:"jobs_failed"`
	JobsCompleted          int        `json:"jobs_completed"`
	JobsCanceled           int        `json:"jobs_canceled"`
	SubRecipesTotal        int        `json:"sub_recipes_total"`
	SubRecipesCompleted    int        `json:"sub_recipes_completed"`
	Created                time.Time  `json:"created"`
	LastModified           time.Time  `json:"last_modified"`
}

func (*Recipe) Kind() Kind       { return KindRecipe }
func (r *Recipe) GetID() int64   { return r.ID }
func (r *Recipe) setID(id int64) { r.ID = id }
func (r *Recipe) HasInput() bool { return r.Input != nil }

// RootID is the id of the top level recipe, the recipe's own id when it is not a sub-recipe.
func (r *Recipe) RootID() int64 {
	if r.RootRecipeID != 0 {
		return r.RootRecipeID
	}
	return r.ID
}

type RecipeType struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Title        string    `json:"title,omitempty"`
	RevisionNum  int       `json:"revision_num"`
	IsSystem     bool      `json:"is_system"`
	IsActive     bool      `json:"is_active"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

func (*RecipeType) Kind() Kind       { return KindRecipeType }
func (t *RecipeType) GetID() int64   { return t.ID }
func (t *RecipeType) setID(id int64) { t.ID = id }

// RecipeTypeRevision holds the definition of one revision of a recipe type. The definition is kept encoded so
// that it can be parsed with a revision lookup for job types.
type RecipeTypeRevision struct {
	ID           int64           `json:"id"`
	RecipeTypeID int64           `json:"recipe_type_id"`
	RevisionNum  int             `json:"revision_num"`
	Definition   json.RawMessage `json:"definition"`
	Created      time.Time       `json:"created"`
}

func (*RecipeTypeRevision) Kind() Kind       { return KindRecipeTypeRevision }
func (r *RecipeTypeRevision) GetID() int64   { return r.ID }
func (r *RecipeTypeRevision) setID(id int64) { r.ID = id }

type RecipeNode struct {
	ID          int64  `json:"id"`
	RecipeID    int64  `json:"recipe_id"`
	NodeName    string `json:"node_name"`
	IsOriginal  bool   `json:"is_original"`
	JobID       int64  `json:"job_id,omitempty"`
	SubRecipeID int64  `json:"sub_recipe_id,omitempty"`
	ConditionID int64  `json:"condition_id,omitempty"`
}

func (*RecipeNode) Kind() Kind       { return KindRecipeNode }
func (n *RecipeNode) GetID() int64   { return n.ID }
func (n *RecipeNode) setID(id int64) { n.ID = id }

type RecipeCondition struct {
	ID           int64      `json:"id"`
	RecipeID     int64      `json:"recipe_id"`
	RootRecipeID int64      `json:"root_recipe_id,omitempty"`
	BatchID      int64      `json:"batch_id,omitempty"`
	IsProcessed  bool       `json:"is_processed"`
	IsAccepted   bool       `json:"is_accepted"`
	Processed    *time.Time `json:"processed,omitempty"`
	Data         *data.Data `json:"data,omitempty"`
	Created      time.Time  `json:"created"`
}

func (*RecipeCondition) Kind() Kind       { return KindRecipeCondition }
func (c *RecipeCondition) GetID() int64   { return c.ID }
func (c *RecipeCondition) setID(id int64) { c.ID = id }

// RootID is the id of the top level recipe the condition belongs to.
func (c *RecipeCondition) RootID() int64 {
	if c.RootRecipeID != 0 {
		return c.RootRecipeID
	}
	return c.RecipeID
}

type RecipeInputFile struct {
	ID          int64  `json:"id"`
	RecipeID    int64  `json:"recipe_id"`
	InputFileID int64  `json:"input_file_id"`
	RecipeInput string `json:"recipe_input"`
}

func (*RecipeInputFile) Kind() Kind       { return KindRecipeInputFile }
func (f *RecipeInputFile) GetID() int64   { return f.ID }
func (f *RecipeInputFile) setID(id int64) { f.ID = id }

// BatchDefinition says which recipes a batch reprocesses, or for a batch with no previous batch, which dataset
// its new recipes take their input from.
type BatchDefinition struct {
	PreviousBatchID int64             `json:"previous_batch_id,omitempty"`
	DatasetID       int64             `json:"dataset_id,omitempty"`
	ForcedNodes     *diff.ForcedNodes `json:"forced_nodes,omitempty"`
}

type Batch struct {
	ID                    int64           `json:"id"`
	Title                 string          `json:"title,omitempty"`
	RecipeTypeID          int64           `json:"recipe_type_id"`
	RecipeTypeRevisionNum int             `json:"recipe_type_rev_num"`
	EventID               int64           `json:"event_id,omitempty"`
	RootBatchID           int64           `json:"root_batch_id,omitempty"`
	SupersededBatchID     int64           `json:"superseded_batch_id,omitempty"`
	Definition            BatchDefinition `json:"definition"`
	IsCreationDone        bool            `json:"is_creation_done"`
	RecipesEstimated      int             `json:"recipes_estimated"`
	RecipesTotal          int             `json:"recipes_total"`
	RecipesCompleted      int             `json:"recipes_completed"`
	JobsTotal             int             `json:"jobs_total"`
	JobsPending           int             `json:"jobs_pending"`
	JobsBlocked           int             `json:"jobs_blocked"`
	JobsQueued            int             `json:"jobs_queued"`
	JobsRunning           int             `json:"jobs_running"`
	JobsFailed            int             `json:"jobs_failed"`
	JobsCompleted         int             `json:"jobs_completed"`
	JobsCanceled          int             `json:"jobs_canceled"`
	Created               time.Time       `json:"created"`
	LastModified          time.Time       `json:"last_modified"`
}

func (*Batch) Kind() Kind       { return KindBatch }
func (b *Batch) GetID() int64   { return b.ID }
func (b *Batch) setID(id int64) { b.ID = id }

type BatchJob struct {
	ID      int64 `json:"id"`
	BatchID int64 `json:"batch_id"`
	JobID   int64 `json:"job_id"`
}

func (*BatchJob) Kind() Kind       { return KindBatchJob }
func (b *BatchJob) GetID() int64   { return b.ID }
func (b *BatchJob) setID(id int64) { b.ID = id }

type BatchRecipe struct {
	ID       int64 `json:"id"`
	BatchID  int64 `json:"batch_id"`
	RecipeID int64 `json:"recipe_id"`
}

func (*BatchRecipe) Kind() Kind       { return KindBatchRecipe }
func (b *BatchRecipe) GetID() int64   { return b.ID }
func (b *BatchRecipe) setID(id int64) { b.ID = id }

type Node struct {
	ID           int64     `json:"id"`
	Hostname     string    `json:"hostname"`
	IsActive     bool      `json:"is_active"`
	IsPaused     bool      `json:"is_paused"`
	PauseReason  string    `json:"pause_reason,omitempty"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

func (*Node) Kind() Kind       { return KindNode }
func (n *Node) GetID() int64   { return n.ID }
func (n *Node) setID(id int64) { n.ID = id }

type ScaleFile struct {
	ID             int64                  `json:"id"`
	FileName       string                 `json:"file_name"`
	MediaType      string                 `json:"media_type,omitempty"`
	DataTypes      []string               `json:"data_types,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	FileSize       int64                  `json:"file_size"`
	Workspace      string                 `json:"workspace,omitempty"`
	FilePath       string                 `json:"file_path"`
	JobID          int64                  `json:"job_id,omitempty"`
	JobExeID       int64                  `json:"job_exe_id,omitempty"`
	JobOutput      string                 `json:"job_output,omitempty"`
	RecipeID       int64                  `json:"recipe_id,omitempty"`
	RecipeNodeName string                 `json:"recipe_node,omitempty"`
	BatchID        int64                  `json:"batch_id,omitempty"`
	IsDeleted      bool                   `json:"is_deleted"`
	Deleted        *time.Time             `json:"deleted,omitempty"`
	IsPublished    bool                   `json:"is_published"`
	Published      *time.Time             `json:"published,omitempty"`
	Unpublished    *time.Time             `json:"unpublished,omitempty"`
	IsSuperseded   bool                   `json:"is_superseded"`
	Created        time.Time              `json:"created"`
}

func (*ScaleFile) Kind() Kind       { return KindScaleFile }
func (f *ScaleFile) GetID() int64   { return f.ID }
func (f *ScaleFile) setID(id int64) { f.ID = id }

type FileAncestryLink struct {
	ID           int64 `json:"id"`
	AncestorID   int64 `json:"ancestor_id"`
	DescendantID int64 `json:"descendant_id,omitempty"`
	JobID        int64 `json:"job_id,omitempty"`
	JobExeID     int64 `json:"job_exe_id,omitempty"`
	RecipeID     int64 `json:"recipe_id,omitempty"`
	BatchID      int64 `json:"batch_id,omitempty"`
}

func (*FileAncestryLink) Kind() Kind       { return KindFileAncestryLink }
func (l *FileAncestryLink) GetID() int64   { return l.ID }
func (l *FileAncestryLink) setID(id int64) { l.ID = id }

type Dataset struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Parameters  *data.Interface `json:"parameters,omitempty"`
	Created     time.Time       `json:"created"`
}

func (*Dataset) Kind() Kind       { return KindDataset }
func (d *Dataset) GetID() int64   { return d.ID }
func (d *Dataset) setID(id int64) { d.ID = id }

type DatasetMember struct {
	ID        int64      `json:"id"`
	DatasetID int64      `json:"dataset_id"`
	Data      *data.Data `json:"data"`
	Created   time.Time  `json:"created"`
}

func (*DatasetMember) Kind() Kind       { return KindDatasetMember }
func (m *DatasetMember) GetID() int64   { return m.ID }
func (m *DatasetMember) setID(id int64) { m.ID = id }

type PurgeResults struct {
	ID                 int64      `json:"id"`
	SourceFileID       int64      `json:"source_file_id"`
	TriggerEventID     int64      `json:"trigger_event_id"`
	NumJobsDeleted     int        `json:"num_jobs_deleted"`
	NumRecipesDeleted  int        `json:"num_recipes_deleted"`
	NumProductsDeleted int        `json:"num_products_deleted"`
	ForceStopPurge     bool       `json:"force_stop_purge"`
	PurgeStarted       time.Time  `json:"purge_started"`
	PurgeCompleted     *time.Time `json:"purge_completed,omitempty"`
}

func (*PurgeResults) Kind() Kind       { return KindPurgeResults }
func (p *PurgeResults) GetID() int64   { return p.ID }
func (p *PurgeResults) setID(id int64) { p.ID = id }

// SchedulerID is the id of the single Scheduler record.
const SchedulerID = 1

// Scheduler holds cluster-wide scheduler settings and the last status snapshot.
type Scheduler struct {
	ID                 int64           `json:"id"`
	IsPaused           bool            `json:"is_paused"`
	NumMessageHandlers int             `json:"num_message_handlers"`
	Status             json.RawMessage `json:"status,omitempty"`
	StatusUpdated      *time.Time      `json:"status_updated,omitempty"`
}

func (*Scheduler) Kind() Kind       { return KindScheduler }
func (s *Scheduler) GetID() int64   { return s.ID }
func (s *Scheduler) setID(id int64) { s.ID = id }
