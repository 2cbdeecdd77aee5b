package errorcatalog

import (
	log "github.com/sirupsen/logrus"
)

// JobErrorMapping maps a job type's declared exit codes to error names.
type JobErrorMapping struct {
	JobTypeName string
	ExitCodes   map[int]string
	catalog     *Catalog
}

func NewJobErrorMapping(catalog *Catalog, jobTypeName string, exitCodes map[int]string) *JobErrorMapping {
	return &JobErrorMapping{JobTypeName: jobTypeName, ExitCodes: exitCodes, catalog: catalog}
}

// GetError returns nil for exit code 0, the mapped error for a mapped exit code and the builtin
// defaultErrorName otherwise. Lookups go to the catalog on every call.
func (m *JobErrorMapping) GetError(exitCode int, defaultErrorName string) *Error {
	if exitCode == 0 {
		return nil
	}
	if name, ok := m.ExitCodes[exitCode]; ok {
		e, err := m.catalog.GetJobError(m.JobTypeName, name)
		if err == nil {
			return e
		}
		log.WithError(err).Warnf("job type %s maps exit code %d to unknown error %s", m.JobTypeName, exitCode, name)
	}
	e, err := m.catalog.GetBuiltinError(defaultErrorName)
	if err != nil {
		log.WithError(err).Errorf("default error %s is not builtin", defaultErrorName)
		return m.catalog.GetUnknownError()
	}
	return e
}
