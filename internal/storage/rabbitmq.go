package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"match-engine-go/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageQueue 消息代理的发布侧契约
type MessageQueue interface {
	PublishMessage(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error
	EnsureExchange(exchange, kind string, durable bool) error
	EnsureQueue(queue string, durable bool) error
	BindQueue(queue, exchange, routingKey string) error
	Close() error
}

var _ MessageQueue = (*RabbitMQ)(nil)

// RabbitMQ 提供消息队列功能。声明过的交换机、队列与绑定记录在本地，
// 重复 Ensure 调用不再往返服务端。
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	exchangeMap  map[string]bool
	queueMap     map[string]bool
	bindingMap   map[string]bool // key 格式 "exchange:queue:routingKey"
	publishMutex sync.Mutex
	cfg          *config.RabbitMQConfig
}

// NewRabbitMQ 创建RabbitMQ客户端并验证能拿到可用通道
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL未配置")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接RabbitMQ (%s) 失败: %w", cfg.URL, err)
	}

	mq := &RabbitMQ{
		conn:        conn,
		cfg:         cfg,
		exchangeMap: map[string]bool{},
		queueMap:    map[string]bool{},
		bindingMap:  map[string]bool{},
	}

	ch, err := mq.channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	mq.release(ch)

	log.Printf("RabbitMQ连接就绪: %s", cfg.URL)
	return mq, nil
}

// channel 从池中取通道，池空时向连接新开一个
func (r *RabbitMQ) channel() (*amqp.Channel, error) {
	if ch, ok := r.channelPool.Get().(*amqp.Channel); ok {
		return ch, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("打开AMQP通道失败: %w", err)
	}
	return ch, nil
}

// release 把用完的通道放回池里复用
func (r *RabbitMQ) release(ch *amqp.Channel) {
	r.channelPool.Put(ch)
}

// Close 关闭底层连接，池里的通道随连接一并失效
func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}

// DeclareMatchTopology 声明匹配事件的交换机、队列与绑定。
// 服务启动时调用一次，outbox中继发布前不再重复声明。
func (r *RabbitMQ) DeclareMatchTopology() error {
	exchange := r.cfg.MatchEventsExchange
	queue := r.cfg.MatchCompletedQueue
	routingKey := r.cfg.MatchCompletedRoutingKey

	if err := r.EnsureExchange(exchange, "topic", true); err != nil {
		return fmt.Errorf("声明匹配事件交换机失败: %w", err)
	}
	if err := r.EnsureQueue(queue, true); err != nil {
		return fmt.Errorf("声明匹配完成队列失败: %w", err)
	}
	if err := r.BindQueue(queue, exchange, routingKey); err != nil {
		return fmt.Errorf("绑定匹配完成队列失败: %w", err)
	}
	return nil
}

// EnsureExchange 声明交换机，已声明过的直接返回
func (r *RabbitMQ) EnsureExchange(exchangeName, exchangeType string, durable bool) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称为空")
	}
	// 默认交换机由服务端内建，不允许声明
	if exchangeName == "amq.default" || exchangeName == "default" {
		return fmt.Errorf("默认交换机 '%s' 不允许声明", exchangeName)
	}
	if r.exchangeMap[exchangeName] {
		return nil
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer r.release(ch)

	if err := ch.ExchangeDeclare(exchangeName, exchangeType, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明exchange '%s' 失败: %w", exchangeName, err)
	}

	r.exchangeMap[exchangeName] = true
	log.Printf("exchange '%s' 声明完成", exchangeName)
	return nil
}

// EnsureQueue 声明队列。本地已标记的队列改用被动声明校验服务端
// 仍然存在且参数一致，校验失败则清除标记让下次重新声明。
func (r *RabbitMQ) EnsureQueue(queueName string, durable bool) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer r.release(ch)

	if r.queueMap[queueName] {
		if _, err := ch.QueueDeclarePassive(queueName, durable, false, false, false, nil); err != nil {
			delete(r.queueMap, queueName)
			return fmt.Errorf("队列 '%s' 被动声明失败，可能已被删除或参数不一致: %w", queueName, err)
		}
		return nil
	}

	if _, err := ch.QueueDeclare(queueName, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明队列 '%s' 失败: %w", queueName, err)
	}

	r.queueMap[queueName] = true
	log.Printf("队列 '%s' 声明完成", queueName)
	return nil
}

// BindQueue 绑定队列到exchange，重复绑定直接返回
func (r *RabbitMQ) BindQueue(queueName, exchangeName, routingKey string) error {
	bindingKey := fmt.Sprintf("%s:%s:%s", exchangeName, queueName, routingKey)
	if r.bindingMap[bindingKey] {
		return nil
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer r.release(ch)

	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("绑定队列 '%s' 到 '%s' 失败: %w", queueName, exchangeName, err)
	}

	r.bindingMap[bindingKey] = true
	log.Printf("队列 '%s' 已绑定到 '%s' (routingKey=%s)", queueName, exchangeName, routingKey)
	return nil
}

// PublishMessage 发布消息到exchange，persistent 控制消息是否落盘
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer r.release(ch)

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, amqp.Publishing{
		DeliveryMode: deliveryMode,
		ContentType:  "application/json",
		Body:         message,
		Timestamp:    time.Now(),
	})
}
