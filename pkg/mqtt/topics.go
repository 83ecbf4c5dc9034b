package mqtt

import "fmt"

// TopicBuilder names the topics of one training run.
type TopicBuilder struct {
	runID string
}

func NewTopicBuilder(runID string) *TopicBuilder {
	return &TopicBuilder{runID: runID}
}

func (tb *TopicBuilder) BaseTopic() string {
	return "roundsync/runs/" + tb.runID
}

// RankTopic carries every group message addressed to rank.
func (tb *TopicBuilder) RankTopic(rank int) string {
	return fmt.Sprintf("%s/ranks/%d", tb.BaseTopic(), rank)
}

func (tb *TopicBuilder) AliveTopic() string {
	return tb.BaseTopic() + "/control/alive"
}

func (tb *TopicBuilder) RoundEventsTopic() string {
	return tb.BaseTopic() + "/events/rounds"
}

func (tb *TopicBuilder) AllTopics() string {
	return tb.BaseTopic() + "/#"
}
