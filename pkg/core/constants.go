package core

// 仿真配置
const (
	SimTPS       = 50 // 物理仿真频率（与网络 tick 无关）
	SimDeltaTime = 1.0 / SimTPS
)

// 车钩物理配置（米）
const (
	CoupleRange       = 0.3  // 释放时与对方挂点距离小于该值即连挂
	ParkRange         = 0.25 // 释放时与停放点距离小于该值即停放
	AnchorFollowRate  = 0.5  // 每次拖动向目标移动的比例（模拟 IK 跟随）
	AnchorMaxStep     = 0.6  // 每次拖动最大位移
	DefaultCarLength  = 14.0 // 默认车长
	CouplerHookOffset = 0.4  // 挂点距车端的距离
)

// 空值：货物模型索引
const NoCargoModel uint8 = 255
