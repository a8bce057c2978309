// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/model"
	"chat-relay-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// messageMapping 是消息索引的结构，user_id 和 chat_id 只做精确过滤。
const messageMapping = `{
	"mappings": {
		"properties": {
			"chat_id": { "type": "keyword" },
			"user_id": { "type": "keyword" },
			"role": { "type": "keyword" },
			"content": { "type": "text" },
			"timestamp": { "type": "date" }
		}
	}
}`

// MessageIndex 封装了消息索引的写入与检索。
type MessageIndex struct {
	client *elasticsearch.Client
	index  string
}

// InitES 初始化 Elasticsearch 客户端并确保消息索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*MessageIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	idx := NewMessageIndex(client, esCfg.IndexName)
	if err := idx.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewMessageIndex 用已有的客户端构造 MessageIndex，不检查索引。
func NewMessageIndex(client *elasticsearch.Client, index string) *MessageIndex {
	return &MessageIndex{client: client, index: index}
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (m *MessageIndex) createIndexIfNotExists() error {
	res, err := m.client.Indices.Exists([]string{m.index})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", m.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", m.index, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = m.client.Indices.Create(
		m.index,
		m.client.Indices.Create.WithBody(strings.NewReader(messageMapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", m.index, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", m.index, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", m.index)
	return nil
}

// IndexMessage 将单条消息写入索引。
func (m *MessageIndex) IndexMessage(ctx context.Context, doc model.MessageDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index: m.index,
		Body:  bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引消息到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index message")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64               `json:"_score"`
			Source model.MessageDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchMessages 在指定用户的消息中做全文检索。
func (m *MessageIndex) SearchMessages(ctx context.Context, userID, query string, size int) ([]model.MessageSearchHit, error) {
	var buf bytes.Buffer
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"content": query,
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"user_id": userID},
				},
			},
		},
		"size": size,
	}
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := m.client.Search(
		m.client.Search.WithContext(ctx),
		m.client.Search.WithIndex(m.index),
		m.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	hits := make([]model.MessageSearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, model.MessageSearchHit{
			ChatID:    h.Source.ChatID,
			Role:      h.Source.Role,
			Content:   h.Source.Content,
			Timestamp: h.Source.Timestamp,
			Score:     h.Score,
		})
	}
	return hits, nil
}

// DeleteChatMessages 删除某个用户的某个会话在索引中的全部消息。
func (m *MessageIndex) DeleteChatMessages(ctx context.Context, userID, chatID string) error {
	var buf bytes.Buffer
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"chat_id": chatID}},
					map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
				},
			},
		},
	}
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return fmt.Errorf("failed to encode es query: %w", err)
	}

	refresh := true
	req := esapi.DeleteByQueryRequest{
		Index:     []string{m.index},
		Body:      &buf,
		Conflicts: "proceed",
		Refresh:   &refresh,
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("elasticsearch delete by query failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("Elasticsearch 删除会话消息出错, status: %s, body: %s", res.Status(), string(bodyBytes))
		return fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}
	return nil
}
