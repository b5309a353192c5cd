package api

// RegisterRepositoryRequest is the admin registration payload.
type RegisterRepositoryRequest struct {
	RepositoryID string `json:"repository_id" binding:"required"`
	Organization string `json:"organization" binding:"required"`
	Project      string `json:"project" binding:"required"`
	ProjectID    string `json:"project_id" binding:"required"`
	Name         string `json:"name" binding:"required"`
	URL          string `json:"url" binding:"required,url"`
}
