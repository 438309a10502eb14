package scheduler

import (
	"jobplan/internal/config"
	"jobplan/internal/task/engine"
)

// materializeJob builds the engine job for a configured job. Data is copied;
// the auto-interruptible flag is added when interruption is enabled.
func materializeJob(groupName, jobKey string, j *config.JobDetail) engine.JobDetail {
	data := make(map[string]string, len(j.Data)+1)
	for k, v := range j.Data {
		data[k] = v
	}
	if j.Interruptible() {
		data[engine.DataAutoInterruptible] = "true"
	} else {
		delete(data, engine.DataAutoInterruptible)
	}
	return engine.JobDetail{
		Key:         engine.JobKey{Name: j.ResolveName(jobKey), Group: groupName},
		Description: j.Description,
		Handler:     j.JobClass,
		Data:        data,
	}
}
