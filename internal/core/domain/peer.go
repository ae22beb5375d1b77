package domain

// ProducerRef is the per-session view of one owned producer.
type ProducerRef struct {
	ID   string
	Kind MediaKind
}

// PeerSession is the per-connection state: which room the connection
// joined, whether it created the room, and the ids of every engine
// resource it owns. Sessions are owned by the signaling service and
// mutated only while its lock is held.
type PeerSession struct {
	ConnID       ConnectionID
	RoomName     string
	IsAdmin      bool
	TransportIDs []string
	Producers    []ProducerRef
	ConsumerIDs  []string

	// Recording pipeline state. RemotePorts are the UDP ports allocated
	// for the external process; RecordingID is set while a recording
	// process handle is active.
	RemotePorts []int
	RecordingID string
}

// Joined reports whether the connection has joined a room.
func (s *PeerSession) Joined() bool {
	return s.RoomName != ""
}

// Recording reports whether an external recording process is active for
// this connection.
func (s *PeerSession) Recording() bool {
	return s.RecordingID != ""
}

// AddTransport records ownership of a transport id.
func (s *PeerSession) AddTransport(id string) {
	s.TransportIDs = append(s.TransportIDs, id)
}

// AddProducer records ownership of a producer.
func (s *PeerSession) AddProducer(id string, kind MediaKind) {
	s.Producers = append(s.Producers, ProducerRef{ID: id, Kind: kind})
}

// AddConsumer records ownership of a consumer id.
func (s *PeerSession) AddConsumer(id string) {
	s.ConsumerIDs = append(s.ConsumerIDs, id)
}

// AddRemotePort records a recording port allocated for this connection.
func (s *PeerSession) AddRemotePort(port int) {
	s.RemotePorts = append(s.RemotePorts, port)
}
