package constants

// Redis键格式，统一为 app:{模块}:{实体}:{标识} 形式。
// 键前缀同时是追踪采样配置的匹配单位，改动前缀要同步存储层的采样表。
const (
	// KeyRankResult 排序结果缓存 (ZSET)，成员为岗位ID、分数为倒序排名
	KeyRankResult = "app:rank:result:%s:%s" // resumeID, optionsHash

	// KeyRankMeta 排序元信息缓存 (STRING)，与KeyRankResult成对写入
	KeyRankMeta = "app:rank:meta:%s:%s" // resumeID, optionsHash

	// KeyRankLock 排序分布式锁 (STRING)
	KeyRankLock = "app:rank:lock:%s:%s" // resumeID, optionsHash

	// KeyJobVector 岗位向量缓存 (HASH，字段vector/model_version)
	KeyJobVector = "app:job:vector:%s" // jobID

	// KeyResumeVector 简历画像向量缓存 (HASH，字段vector/model_version)
	KeyResumeVector = "app:resume:vector:%s" // resumeID

	// KeyRationaleResponse 推荐理由缓存 (STRING)。不设TTL，
	// 键里的v1版本号在提示词或输出结构变更时整体换代。
	KeyRationaleResponse = "app:rationale:response:v1:%s:%s" // resumeID, jobID
)
