package progress

// TopicProgress is the bus topic carrying progress updates from the
// fetch engine to the durable task mirror.
const TopicProgress = "progress:update"

// Update is the bus payload published alongside every Store write.
type Update struct {
	SessionID string
	Snapshot  Snapshot
}
