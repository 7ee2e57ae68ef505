package client

import "strconv"

type mutation string

const (
	mutationReport  mutation = "report"
	mutationStatus  mutation = "status"
	mutationAssign  mutation = "assign"
	mutationResolve mutation = "resolve"
	mutationComment mutation = "comment"
)

const listKey = "/api/incidents"

func incidentKey(id int64) string {
	return listKey + "/" + strconv.FormatInt(id, 10)
}

func commentsKey(id int64) string {
	return incidentKey(id) + "/comments"
}

func historyKey(id int64) string {
	return incidentKey(id) + "/history"
}

// invalidationKeys lists the cached queries a successful mutation makes stale.
func invalidationKeys(m mutation, id int64) []string {
	switch m {
	case mutationReport:
		return []string{listKey}
	case mutationStatus, mutationAssign, mutationResolve:
		return []string{incidentKey(id), historyKey(id), listKey}
	case mutationComment:
		return []string{incidentKey(id), commentsKey(id), historyKey(id), listKey}
	default:
		return nil
	}
}
