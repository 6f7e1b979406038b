package api

import (
	"errors"
	"fmt"
	"strings"

	"vodum/internal/models"
	"vodum/internal/scheduler"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RunTaskResponse struct {
	Name   string            `json:"name"`
	Status models.TaskStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

type RunSequenceRequest struct {
	Tasks []string `json:"tasks"`
}

func (r *RunSequenceRequest) validate() error {
	var errs []error

	if len(r.Tasks) == 0 {
		errs = append(errs, errors.New("tasks is empty"))
	}
	for i, name := range r.Tasks {
		r.Tasks[i] = strings.TrimSpace(name)
		if r.Tasks[i] == "" {
			errs = append(errs, fmt.Errorf("task %d has an empty name", i+1))
		}
	}

	return errors.Join(errs...)
}

type RunSequenceResponse struct {
	Results []scheduler.SequenceResult `json:"results"`
	Error   string                     `json:"error,omitempty"`
}

type ListJobsResponse struct {
	Counts map[models.JobStatus]int `json:"counts"`
	Jobs   []models.Job             `json:"jobs"`
}
