package server

// Observer 主机端事件，用于指标上报
type Observer interface {
	PlayerJoined(username string)
	PlayerLeft(username string)
	JoinRejected(reason string)
	// WriteRejected 客户端的端口写入未通过权限检查
	WriteRejected(entity uint16)
}

type nopObserver struct{}

func (nopObserver) PlayerJoined(string)  {}
func (nopObserver) PlayerLeft(string)    {}
func (nopObserver) JoinRejected(string)  {}
func (nopObserver) WriteRejected(uint16) {}
