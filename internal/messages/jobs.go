package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	CreateJobsInputData = "input_data"
	CreateJobsRecipe    = "recipe"

	MaxCreateRecipeJobs = 100
)

// RecipeJob is a job node of a recipe that needs a job.
type RecipeJob struct {
	JobTypeName    string `json:"job_type_name"`
	JobTypeVersion string `json:"job_type_version"`
	JobTypeRevNum  int    `json:"job_type_rev_num"`
	NodeName       string `json:"node_name"`
	// ProcessInput is set when the node's parents are already done.
	ProcessInput bool `json:"process_input"`
}

// CreateJobs creates either a single standalone job from input data or the jobs of recipe nodes. Running it
// again finds the jobs it created before instead of creating more.
type CreateJobs struct {
	base
	CreateJobsType string `json:"create_jobs_type"`
	EventID        int64  `json:"event_id"`

	JobTypeName    string     `json:"job_type_name,omitempty"`
	JobTypeVersion string     `json:"job_type_version,omitempty"`
	JobTypeRevNum  int        `json:"job_type_rev_num,omitempty"`
	InputData      *data.Data `json:"input_data,omitempty"`

	RecipeID           int64       `json:"recipe_id,omitempty"`
	RootRecipeID       int64       `json:"root_recipe_id,omitempty"`
	SupersededRecipeID int64       `json:"superseded_recipe_id,omitempty"`
	BatchID            int64       `json:"batch_id,omitempty"`
	RecipeJobs         []RecipeJob `json:"recipe_jobs,omitempty"`
}

func CreateJobsMessage(jobTypeName, jobTypeVersion string, revisionNum int, eventID int64, input *data.Data) *CreateJobs {
	return &CreateJobs{
		CreateJobsType: CreateJobsInputData,
		EventID:        eventID,
		JobTypeName:    jobTypeName,
		JobTypeVersion: jobTypeVersion,
		JobTypeRevNum:  revisionNum,
		InputData:      input,
	}
}

func CreateJobsMessagesForRecipe(recipe *store.Recipe, recipeJobs []RecipeJob) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(recipeJobs, MaxCreateRecipeJobs) {
		msgs = append(msgs, &CreateJobs{
			CreateJobsType:     CreateJobsRecipe,
			EventID:            recipe.EventID,
			RecipeID:           recipe.ID,
			RootRecipeID:       recipe.RootRecipeID,
			SupersededRecipeID: recipe.SupersededRecipeID,
			BatchID:            recipe.BatchID,
			RecipeJobs:         batch,
		})
	}
	return msgs
}

func (m *CreateJobs) Type() string { return CreateJobsType }

func (m *CreateJobs) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		var jobs []*store.Job
		processInput := map[int64]bool{}
		var err error
		switch m.CreateJobsType {
		case CreateJobsInputData:
			jobs, err = m.createFromInput(ctx, tx)
		case CreateJobsRecipe:
			jobs, err = m.createForRecipe(ctx, tx, processInput)
		default:
			logging.FromContext(ctx).Errorf("unknown create jobs type %q, message will not re-run", m.CreateJobsType)
			return nil
		}
		if err != nil {
			return err
		}
		var toProcess []int64
		for _, job := range jobs {
			if job.HasInput() || (m.RecipeID != 0 && processInput[job.ID]) {
				toProcess = append(toProcess, job.ID)
			}
		}
		out.add(CreateProcessJobInputMessages(toProcess)...)
		if m.RecipeID != 0 {
			out.add(CreateUpdateRecipeMetricsMessages([]int64{m.RecipeID})...)
		}
		return nil
	})
}

func (m *CreateJobs) createFromInput(ctx context.Context, tx store.Tx) ([]*store.Job, error) {
	log := logging.FromContext(ctx)
	jobType, err := store.GetJobTypeByName(ctx, tx, m.JobTypeName, m.JobTypeVersion)
	if err != nil {
		return nil, err
	}
	if jobType == nil || !jobType.IsActive {
		log.Errorf("job type %s %s is missing or inactive, message will not re-run", m.JobTypeName, m.JobTypeVersion)
		return nil, nil
	}
	input := m.InputData
	if input == nil {
		input = data.NewData()
	}
	existing, err := m.findExistingInputJob(ctx, tx, jobType.ID, input)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return []*store.Job{existing}, nil
	}
	if _, err := input.Validate(jobType.GetInputInterface()); err != nil {
		log.WithError(err).Errorf("job type %s %s was given invalid input data, message will not re-run", m.JobTypeName, m.JobTypeVersion)
		return nil, nil
	}
	job := newJob(jobType, m.JobTypeRevNum, m.EventID, m.now())
	job.Input = input.Copy()
	if err := store.Insert(ctx, tx, job); err != nil {
		return nil, err
	}
	log.Infof("created job %d of type %s %s", job.ID, m.JobTypeName, m.JobTypeVersion)
	return []*store.Job{job}, nil
}

func (m *CreateJobs) findExistingInputJob(ctx context.Context, tx store.Tx, jobTypeID int64, input *data.Data) (*store.Job, error) {
	want, err := json.Marshal(input)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs, err := store.List(ctx, tx, func(j *store.Job) bool {
		if j.JobTypeID != jobTypeID || j.EventID != m.EventID || j.RecipeID != 0 {
			return false
		}
		got, err := json.Marshal(j.Input)
		return err == nil && bytes.Equal(got, want)
	})
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (m *CreateJobs) createForRecipe(ctx context.Context, tx store.Tx, processInput map[int64]bool) ([]*store.Job, error) {
	log := logging.FromContext(ctx)
	// Serialises messages creating nodes of the same recipe.
	recipes, err := store.GetLocked[store.Recipe](ctx, tx, []int64{m.RecipeID})
	if err != nil {
		return nil, err
	}
	if len(recipes) == 0 {
		log.Errorf("recipe %d does not exist, message will not re-run", m.RecipeID)
		return nil, nil
	}
	nodeNames := make([]string, len(m.RecipeJobs))
	for i, rj := range m.RecipeJobs {
		nodeNames[i] = rj.NodeName
	}

	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{m.RecipeID})
	if err != nil {
		return nil, err
	}
	existing := map[string]int64{}
	for _, n := range nodes {
		if n.JobID != 0 && slices.Contains(nodeNames, n.NodeName) {
			existing[n.NodeName] = n.JobID
		}
	}
	if len(existing) > 0 {
		var ids []int64
		for _, rj := range m.RecipeJobs {
			if id, ok := existing[rj.NodeName]; ok {
				ids = append(ids, id)
				processInput[id] = rj.ProcessInput
			}
		}
		return store.GetMany[store.Job](ctx, tx, ids)
	}

	superseded := map[string]*store.Job{}
	if m.SupersededRecipeID != 0 {
		superseded, err = recipeJobsByNode(ctx, tx, m.SupersededRecipeID)
		if err != nil {
			return nil, err
		}
	}

	now := m.now()
	jobs := make([]*store.Job, 0, len(m.RecipeJobs))
	for _, rj := range m.RecipeJobs {
		jobType, err := store.GetJobTypeByName(ctx, tx, rj.JobTypeName, rj.JobTypeVersion)
		if err != nil {
			return nil, err
		}
		if jobType == nil || !jobType.IsActive {
			log.Errorf("job type %s %s is missing or inactive, message will not re-run", rj.JobTypeName, rj.JobTypeVersion)
			return nil, nil
		}
		job := newJob(jobType, rj.JobTypeRevNum, m.EventID, now)
		job.RecipeID = m.RecipeID
		job.RootRecipeID = m.RootRecipeID
		job.BatchID = m.BatchID
		if old, ok := superseded[rj.NodeName]; ok {
			job.SupersededJobID = old.ID
			job.RootSupersededJobID = old.RootSupersededJobID
			if job.RootSupersededJobID == 0 {
				job.RootSupersededJobID = old.ID
			}
		}
		jobs = append(jobs, job)
	}
	if err := store.Insert(ctx, tx, jobs...); err != nil {
		return nil, err
	}

	newNodes := make([]*store.RecipeNode, len(jobs))
	var batchJobs []*store.BatchJob
	for i, job := range jobs {
		rj := m.RecipeJobs[i]
		processInput[job.ID] = rj.ProcessInput
		newNodes[i] = &store.RecipeNode{RecipeID: m.RecipeID, NodeName: rj.NodeName, IsOriginal: true, JobID: job.ID}
		if m.BatchID != 0 {
			batchJobs = append(batchJobs, &store.BatchJob{BatchID: m.BatchID, JobID: job.ID})
		}
	}
	if err := store.Insert(ctx, tx, newNodes...); err != nil {
		return nil, err
	}
	if err := store.Insert(ctx, tx, batchJobs...); err != nil {
		return nil, err
	}
	log.Infof("created %d job(s) for recipe %d", len(jobs), m.RecipeID)
	return jobs, nil
}

func newJob(jobType *store.JobType, revisionNum int, eventID int64, now time.Time) *store.Job {
	if revisionNum == 0 {
		revisionNum = jobType.RevisionNum
	}
	return &store.Job{
		JobTypeID:          jobType.ID,
		JobTypeRevisionNum: revisionNum,
		EventID:            eventID,
		Status:             store.JobStatusPending,
		MaxTries:           jobType.MaxTries,
		Priority:           jobType.Priority,
		Timeout:            jobType.Timeout,
		Created:            now,
		LastStatusChange:   now,
		LastModified:       now,
	}
}

// recipeJobsByNode returns the jobs of a recipe keyed by node name.
func recipeJobsByNode(ctx context.Context, tx store.Tx, recipeID int64) (map[string]*store.Job, error) {
	nodes, err := store.RecipeNodesForRecipes(ctx, tx, []int64{recipeID})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, n := range nodes {
		if n.JobID != 0 {
			ids = append(ids, n.JobID)
		}
	}
	jobs, err := store.GetMany[store.Job](ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	byID := jobsByID(jobs)
	result := map[string]*store.Job{}
	for _, n := range nodes {
		if job, ok := byID[n.JobID]; ok {
			result[n.NodeName] = job
		}
	}
	return result, nil
}

// ProcessJobInput fills in the input of a recipe job from its recipe, records the job's input files and queues
// the job for its first execution. A job whose generated input is invalid is canceled.
type ProcessJobInput struct {
	base
	JobID int64 `json:"job_id"`
}

func CreateProcessJobInputMessages(jobIDs []int64) []messaging.CommandMessage {
	msgs := make([]messaging.CommandMessage, len(jobIDs))
	for i, id := range jobIDs {
		msgs[i] = &ProcessJobInput{JobID: id}
	}
	return msgs
}

func (m *ProcessJobInput) Type() string { return ProcessJobInputType }

func (m *ProcessJobInput) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		jobs, err := store.GetLockedJobs(ctx, tx, []int64{m.JobID})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			log.Errorf("job %d does not exist, message will not re-run", m.JobID)
			return nil
		}
		job := jobs[0]
		if job.Status != store.JobStatusPending && job.Status != store.JobStatusBlocked {
			log.Warnf("input of job %d has already been processed", m.JobID)
			return nil
		}

		if !job.HasInput() {
			if job.RecipeID == 0 {
				log.Errorf("job %d has no input and is not in a recipe, message will not re-run", m.JobID)
				return nil
			}
			input, err := generateJobInputFromRecipe(ctx, tx, job)
			if err != nil {
				return err
			}
			jobType, err := store.Get[store.JobType](ctx, tx, job.JobTypeID)
			if err != nil {
				return err
			}
			if jobType == nil {
				log.Errorf("job %d has unknown job type %d, message will not re-run", job.ID, job.JobTypeID)
				return nil
			}
			if _, err := input.Validate(jobType.GetInputInterface()); err != nil {
				log.WithError(err).Errorf("recipe created invalid input for job %d, canceling the job", m.JobID)
				out.add(CreateCancelJobsMessages([]int64{m.JobID}, m.now())...)
				return nil
			}
			job.Input = input
		}

		if err := recordJobInputFiles(ctx, tx, job); err != nil {
			return err
		}
		job.LastModified = m.now()
		if err := store.Save(ctx, tx, job); err != nil {
			return err
		}
		if job.NumExes == 0 {
			log.Infof("processed input for job %d, queuing the job", job.ID)
			out.add(CreateQueuedJobsMessages([]JobExeRef{{ID: job.ID, ExeNum: 0}}, false, nil)...)
		}
		return nil
	})
}

func generateJobInputFromRecipe(ctx context.Context, tx store.Tx, job *store.Job) (*data.Data, error) {
	recipe, err := store.Get[store.Recipe](ctx, tx, job.RecipeID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, errors.Errorf("recipe %d of job %d does not exist", job.RecipeID, job.ID)
	}
	def, err := store.GetDefinitionForRecipe(ctx, tx, recipe)
	if err != nil {
		return nil, err
	}
	nodes, err := store.RecipeNodesForJobs(ctx, tx, []int64{job.ID})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("job %d has no node in recipe %d", job.ID, recipe.ID)
	}
	outputs, err := recipeNodeOutputs(ctx, tx, recipe.ID)
	if err != nil {
		return nil, err
	}
	return def.GenerateNodeInputData(nodes[0].NodeName, recipe.Input, outputs)
}

// recordJobInputFiles links the job to its input files and totals their size in MiB. Links are only created
// once.
func recordJobInputFiles(ctx context.Context, tx store.Tx, job *store.Job) error {
	existing, err := store.List(ctx, tx, func(f *store.JobInputFile) bool { return f.JobID == job.ID })
	if err != nil {
		return err
	}
	var links []*store.JobInputFile
	var fileIDs []int64
	for _, name := range job.Input.Names() {
		for _, id := range job.Input.Files[name] {
			fileIDs = append(fileIDs, id)
			links = append(links, &store.JobInputFile{JobID: job.ID, InputFileID: id, JobInput: name})
		}
	}
	files, err := store.GetMany[store.ScaleFile](ctx, tx, fileIDs)
	if err != nil {
		return err
	}
	var size int64
	for _, f := range files {
		size += f.FileSize
	}
	job.InputFileSize = float64(size) / (1024 * 1024)
	if len(existing) > 0 {
		return nil
	}
	return store.Insert(ctx, tx, links...)
}
