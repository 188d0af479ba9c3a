package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// 帧结构：repeated Envelope envelopes = 1;
// Envelope { MessageType type = 1; bytes payload = 2; }

// Envelope 帧中的一条消息（未解码）
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// AppendEnvelope 把消息追加到帧末尾
func AppendEnvelope(frame []byte, m Message) []byte {
	env := appendVarintField(nil, 1, uint64(m.Type()))
	env = appendBytesField(env, 2, m.MarshalWire(nil))
	return appendBytesField(frame, 1, env)
}

// MarshalFrame 编码一组消息
func MarshalFrame(msgs ...Message) []byte {
	var frame []byte
	for _, m := range msgs {
		frame = AppendEnvelope(frame, m)
	}
	return frame
}

// SplitFrame 拆分帧。单个信封损坏时跳过该信封；
// 帧结构本身损坏时返回已解析的部分和错误。
func SplitFrame(frame []byte) ([]Envelope, []error, error) {
	var (
		envs    []Envelope
		skipped []error
	)
	err := walkFields(frame, func(f field) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		env, err := parseEnvelope(f.bytes)
		if err != nil {
			skipped = append(skipped, err)
			return nil
		}
		envs = append(envs, env)
		return nil
	})
	return envs, skipped, err
}

func parseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	err := walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			t, err := f.uint32()
			env.Type = MessageType(t)
			return err
		case 2:
			raw, err := f.message()
			env.Payload = raw
			return err
		}
		return nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("解析信封失败: %w", err)
	}
	if env.Type == MessageTypeUnspecified {
		return Envelope{}, fmt.Errorf("信封缺少类型: %w", ErrUnknownMessage)
	}
	return env, nil
}

var factories = map[MessageType]func() Message{
	MessageTypeJoinRequest:           func() Message { return new(JoinRequest) },
	MessageTypeJoinResponse:          func() Message { return new(JoinResponse) },
	MessageTypePlayerState:           func() Message { return new(PlayerState) },
	MessageTypeServerInfo:            func() Message { return new(ServerInfo) },
	MessageTypeEntitySpawn:           func() Message { return new(EntitySpawn) },
	MessageTypeEntityDespawn:         func() Message { return new(EntityDespawn) },
	MessageTypePortsDelta:            func() Message { return new(PortsDelta) },
	MessageTypeFusesDelta:            func() Message { return new(FusesDelta) },
	MessageTypeHandbrakeChanged:      func() Message { return new(HandbrakeChanged) },
	MessageTypeBrakeCylinderReleased: func() Message { return new(BrakeCylinderReleased) },
	MessageTypeBrakePressures:        func() Message { return new(BrakePressures) },
	MessageTypeFireboxState:          func() Message { return new(FireboxState) },
	MessageTypeFireboxAddCoal:        func() Message { return new(FireboxAddCoal) },
	MessageTypeFireboxIgnite:         func() Message { return new(FireboxIgnite) },
	MessageTypeCargoState:            func() Message { return new(CargoState) },
	MessageTypeHealthUpdate:          func() Message { return new(HealthUpdate) },
	MessageTypeCouplerInteraction:    func() Message { return new(CouplerInteraction) },
	MessageTypeCableConnected:        func() Message { return new(CableConnected) },
	MessageTypePhysicsUpdate:         func() Message { return new(PhysicsUpdate) },
}

// Decode 按类型解码信封
func Decode(env Envelope) (Message, error) {
	newMsg, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("类型 %d: %w", env.Type, ErrUnknownMessage)
	}
	m := newMsg()
	if err := m.UnmarshalWire(env.Payload); err != nil {
		return nil, fmt.Errorf("解码 %s 失败: %w", env.Type, err)
	}
	return m, nil
}

// UnmarshalFrame 解码整帧，跳过无法解码的消息
func UnmarshalFrame(frame []byte) ([]Message, []error) {
	envs, errs, err := SplitFrame(frame)
	if err != nil {
		errs = append(errs, err)
	}
	msgs := make([]Message, 0, len(envs))
	for _, env := range envs {
		m, err := Decode(env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}
