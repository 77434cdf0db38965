package processor

import "log"

// VectorizerOption 定义了 Vectorizer 的配置选项函数类型。
type VectorizerOption func(*Vectorizer)

// WithVectorizerEmbedder 设置 Vectorizer 使用的 TextEmbedder。
func WithVectorizerEmbedder(embedder TextEmbedder) VectorizerOption {
	return func(v *Vectorizer) {
		v.embedder = embedder
	}
}

// WithVectorizerLogger 设置 Vectorizer 使用的日志记录器。
func WithVectorizerLogger(logger *log.Logger) VectorizerOption {
	return func(v *Vectorizer) {
		v.logger = logger
	}
}
