package sheet

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Version はアクションAPIのバージョンです。ping と能力一覧で報告します。
const Version = "1.2.0"

// actions はこのサービスが受け付けるアクションの一覧です。
var actions = []string{
	"ping",
	"setItem",
	"getItem",
	"removeItem",
	"getAllItems",
	"getDateRange",
	"getPreviousYearData",
	"createBackup",
	"getSyncStatus",
}

// actionRequest は1リクエスト分のパラメータです。
// GETはクエリ文字列、POSTはJSONボディから取り出します。
type actionRequest struct {
	Action     string `json:"action" form:"action"`
	StoreID    string `json:"storeId" form:"storeId"`
	Key        string `json:"key" form:"key"`
	Value      string `json:"value" form:"value"`
	Timestamp  string `json:"timestamp" form:"timestamp"`
	Prefix     string `json:"prefix" form:"prefix"`
	StartDate  string `json:"startDate" form:"startDate"`
	EndDate    string `json:"endDate" form:"endDate"`
	TargetDate string `json:"targetDate" form:"targetDate"`
}

// ActionHandler はアクションディスパッチ型エンドポイントのハンドラーを返します。
// プロトコル上の失敗はすべてHTTP 200のエラーエンベロープで返し、
// トランスポート層にサーバー内部の失敗を露出させません。
func ActionHandler(store *Store, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		req, err := parseRequest(c)
		if err != nil {
			respondError(c, "リクエストを解釈できません: "+err.Error())
			return
		}

		switch req.Action {
		case "":
			// アクション未指定は能力一覧を返す
			respondSuccess(c, gin.H{
				"message": "洋生ノート同期API",
				"version": Version,
				"actions": actions,
			})
		case "ping":
			respondSuccess(c, gin.H{
				"message":   "洋生ノート同期API",
				"version":   Version,
				"timestamp": now(),
			})
		case "setItem":
			handleSetItem(c, store, req, logger)
		case "getItem":
			handleGetItem(c, store, req, logger)
		case "removeItem":
			handleRemoveItem(c, store, req, logger)
		case "getAllItems":
			handleGetAllItems(c, store, req, logger)
		case "getDateRange":
			handleGetDateRange(c, store, req, logger)
		case "getPreviousYearData":
			handleGetPreviousYearData(c, store, req, logger)
		case "createBackup":
			handleCreateBackup(c, store, req, logger)
		case "getSyncStatus":
			handleGetSyncStatus(c, store, req, logger)
		default:
			respondError(c, "不明なアクションです: "+req.Action)
		}
	}
}

func parseRequest(c *gin.Context) (*actionRequest, error) {
	var req actionRequest
	if c.Request.Method == http.MethodGet {
		if err := c.ShouldBindQuery(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func handleSetItem(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" || req.Key == "" || req.Value == "" {
		respondError(c, "key, value, storeId は必須です")
		return
	}
	var ts time.Time
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			respondError(c, "timestamp はRFC3339形式で指定してください")
			return
		}
		ts = parsed
	}
	rec, err := store.SetItem(c.Request.Context(), req.StoreID, req.Key, req.Value, ts)
	if err != nil {
		logger.Printf("setItem に失敗しました store=%s key=%s: %v", req.StoreID, req.Key, err)
		respondError(c, err.Error())
		return
	}
	respondSuccess(c, gin.H{
		"key":       rec.Key,
		"saved":     true,
		"timestamp": rec.LastModified.Format(time.RFC3339),
	})
}

func handleGetItem(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" || req.Key == "" {
		respondError(c, "key, storeId は必須です")
		return
	}
	value, found, err := store.GetItem(c.Request.Context(), req.StoreID, req.Key)
	if err != nil {
		logger.Printf("getItem に失敗しました store=%s key=%s: %v", req.StoreID, req.Key, err)
		respondError(c, err.Error())
		return
	}
	if !found {
		respondNotFound(c, "指定されたキーは存在しません")
		return
	}
	respondSuccess(c, value)
}

func handleRemoveItem(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" || req.Key == "" {
		respondError(c, "key, storeId は必須です")
		return
	}
	removed, err := store.RemoveItem(c.Request.Context(), req.StoreID, req.Key)
	if err != nil {
		logger.Printf("removeItem に失敗しました store=%s key=%s: %v", req.StoreID, req.Key, err)
		respondError(c, err.Error())
		return
	}
	if !removed {
		respondNotFound(c, "指定されたキーは存在しません")
		return
	}
	respondSuccess(c, gin.H{
		"key":     req.Key,
		"removed": true,
	})
}

func handleGetAllItems(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" {
		respondError(c, "storeId は必須です")
		return
	}
	records, err := store.AllItems(c.Request.Context(), req.StoreID, req.Prefix)
	if err != nil {
		logger.Printf("getAllItems に失敗しました store=%s: %v", req.StoreID, err)
		respondError(c, err.Error())
		return
	}
	respondSuccess(c, records)
}

func handleGetDateRange(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" || req.StartDate == "" || req.EndDate == "" {
		respondError(c, "storeId, startDate, endDate は必須です")
		return
	}
	records, err := store.DateRange(c.Request.Context(), req.StoreID, req.StartDate, req.EndDate)
	if err != nil {
		logger.Printf("getDateRange に失敗しました store=%s: %v", req.StoreID, err)
		respondError(c, err.Error())
		return
	}
	respondSuccess(c, records)
}

func handleGetPreviousYearData(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" || req.TargetDate == "" {
		respondError(c, "storeId, targetDate は必須です")
		return
	}
	value, _, found, err := store.PreviousYear(c.Request.Context(), req.StoreID, req.TargetDate)
	if err != nil {
		logger.Printf("getPreviousYearData に失敗しました store=%s: %v", req.StoreID, err)
		respondError(c, err.Error())
		return
	}
	if !found {
		respondNotFound(c, "前年のデータが見つかりません")
		return
	}
	respondSuccess(c, value)
}

func handleCreateBackup(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" {
		respondError(c, "storeId は必須です")
		return
	}
	name, err := store.Backup(c.Request.Context(), req.StoreID)
	if err != nil {
		logger.Printf("createBackup に失敗しました store=%s: %v", req.StoreID, err)
		respondError(c, err.Error())
		return
	}
	respondSuccess(c, gin.H{
		"backupSheet": name,
		"timestamp":   now(),
	})
}

func handleGetSyncStatus(c *gin.Context, store *Store, req *actionRequest, logger *log.Logger) {
	if req.StoreID == "" {
		respondError(c, "storeId は必須です")
		return
	}
	status, err := store.Status(c.Request.Context(), req.StoreID)
	if err != nil {
		logger.Printf("getSyncStatus に失敗しました store=%s: %v", req.StoreID, err)
		respondError(c, err.Error())
		return
	}
	respondSuccess(c, status)
}

func respondSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"timestamp": now(),
		"data":      data,
	})
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "not_found",
		"timestamp": now(),
		"message":   message,
	})
}

func respondError(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "error",
		"timestamp": now(),
		"error":     message,
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
