package job

import (
	"fmt"

	"github.com/redhat-data-and-ai/mergebot/internal/config"
	"github.com/redhat-data-and-ai/mergebot/internal/gitlab"
	"github.com/redhat-data-and-ai/mergebot/internal/logging"
)

// addTrailers applies the configured provenance trailers over the updated
// source branch and returns the rewritten tip SHA. An empty string means no
// trailer applied and the branch is untouched.
//
// Application order is fixed: Reviewed-by, Tested-by, Part-of. Reviewed-by
// and Part-of span every commit the MR adds over the target; Tested-by only
// marks the final commit.
func (j *MergeJob) addTrailers(mr *gitlab.MergeRequest) (string, error) {
	logging.Info("Adding trailers for MR !%d", mr.IID)

	source := mr.SourceBranch
	fromTarget := "origin/" + mr.TargetBranch
	sha := ""

	if j.opts.AddReviewers {
		approvals, err := j.forge.FetchApprovals(mr.ProjectID, mr.IID)
		if err != nil {
			return "", err
		}
		reviewers, err := j.reviewerNamesAndEmails(approvals)
		if err != nil {
			return "", err
		}
		sha, err = j.repo.TagWithTrailer("Reviewed-by", reviewers, source, fromTarget)
		if err != nil {
			return "", err
		}
	}

	shouldAddTested := j.opts.AddTested && j.project.OnlyAllowMergeIfPipelineSucceeds
	if shouldAddTested && j.opts.Strategy == config.StrategyRebase {
		tested := fmt.Sprintf("%s <%s>", j.me.Name, mr.WebURL)
		var err error
		sha, err = j.repo.TagWithTrailer("Tested-by", []string{tested}, source, source+"^")
		if err != nil {
			return "", err
		}
	}

	if j.opts.AddPartOf {
		var err error
		sha, err = j.repo.TagWithTrailer("Part-of", []string{"<" + mr.WebURL + ">"}, source, fromTarget)
		if err != nil {
			return "", err
		}
	}

	return sha, nil
}

// reviewerNamesAndEmails resolves each distinct approver to "Name <email>".
func (j *MergeJob) reviewerNamesAndEmails(approvals *gitlab.Approvals) ([]string, error) {
	ids := approvals.ApproverIDs()
	reviewers := make([]string, 0, len(ids))
	for _, uid := range ids {
		user, err := j.forge.FetchUser(uid)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve approver %d: %w", uid, err)
		}
		reviewers = append(reviewers, fmt.Sprintf("%s <%s>", user.Name, user.Email))
	}
	return reviewers, nil
}
