package domain

import "time"

// PullRequestSpec describes a pull request to open
type PullRequestSpec struct {
	Repo  string
	Head  string
	Base  string
	Title string
	Body  string
}

// PullRequest identifies an opened pull request
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Commit is a commit on a pull request
type Commit struct {
	SHA         string    `json:"sha"`
	CommittedAt time.Time `json:"date"`
}

// ReviewComment is an inline review comment on a pull request
type ReviewComment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// LatestCommitTime returns the newest commit time, or the zero time
func LatestCommitTime(commits []Commit) time.Time {
	var latest time.Time
	for _, c := range commits {
		if c.CommittedAt.After(latest) {
			latest = c.CommittedAt
		}
	}
	return latest
}
