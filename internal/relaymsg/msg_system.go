package relaymsg

type System struct {
	ServerVersion string `json:"ver" msgpack:"ver"`
	Status        string `json:"sts" msgpack:"sts"`
}

func NewSystemMessage(version string, status string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgSystem,
		Data: &System{
			ServerVersion: version,
			Status:        status,
		},
	}
}
