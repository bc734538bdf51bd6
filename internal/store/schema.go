package store

// The DDL is portable between Postgres and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS RPA_CCR_LINE_SUMM (
		FIID              TEXT NOT NULL,
		LINE_INDEX        INTEGER NOT NULL,
		RECEIPT_INDEX     INTEGER NOT NULL,
		COMMON_YN         TEXT NOT NULL,
		GUBUN             TEXT,
		ATTACH_FILE       TEXT,
		COUNTRY           TEXT,
		RECEIPT_TYPE      TEXT,
		MERCHANT_NAME     TEXT,
		MERCHANT_PHONE_NO TEXT,
		DELIVERY_ADDR     TEXT,
		TRANSACTION_DATE  TEXT,
		TRANSACTION_TIME  TEXT,
		TOTAL_AMOUNT      DOUBLE PRECISION,
		SUMTOTAL_AMOUNT   DOUBLE PRECISION,
		TAX_AMOUNT        DOUBLE PRECISION,
		BIZ_NO            TEXT,
		RESULT_CODE       TEXT NOT NULL,
		RESULT_MESSAGE    TEXT,
		CREATE_DATE       TIMESTAMP NOT NULL,
		UPDATE_DATE       TIMESTAMP NOT NULL,
		PRIMARY KEY (FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN)
	)`,
	`CREATE TABLE IF NOT EXISTS RPA_CCR_LINE_ITEMS (
		FIID             TEXT NOT NULL,
		LINE_INDEX       INTEGER NOT NULL,
		RECEIPT_INDEX    INTEGER NOT NULL,
		COMMON_YN        TEXT NOT NULL,
		ITEM_INDEX       INTEGER NOT NULL,
		ITEM_NAME        TEXT,
		ITEM_QTY         DOUBLE PRECISION,
		ITEM_UNIT_PRICE  DOUBLE PRECISION,
		ITEM_TOTAL_PRICE DOUBLE PRECISION,
		CONTENTS         TEXT,
		CREATE_DATE      TIMESTAMP NOT NULL,
		UPDATE_DATE      TIMESTAMP NOT NULL,
		PRIMARY KEY (FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN, ITEM_INDEX)
	)`,
	`CREATE TABLE IF NOT EXISTS LDCOM_CARDFILE_LOG (
		SYSTEM_ID            TEXT,
		FIID                 TEXT NOT NULL,
		SEQ                  INTEGER NOT NULL,
		GUBUN                TEXT,
		APPR_COMPLT_STD_DATE TEXT,
		PROOF_SUM_KRW        DOUBLE PRECISION,
		ATTACH_FILE          TEXT,
		FILE_PATH            TEXT,
		LOAD_DATE            TEXT NOT NULL,
		LOAD_TIME            TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS IDX_CARDFILE_LOAD_DATE ON LDCOM_CARDFILE_LOG (LOAD_DATE)`,
}

// Both dialects accept ON CONFLICT ... DO UPDATE. CREATE_DATE keeps the
// first write.
const upsertSummarySQL = `INSERT INTO RPA_CCR_LINE_SUMM (
	FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN, GUBUN, ATTACH_FILE,
	COUNTRY, RECEIPT_TYPE, MERCHANT_NAME, MERCHANT_PHONE_NO, DELIVERY_ADDR,
	TRANSACTION_DATE, TRANSACTION_TIME,
	TOTAL_AMOUNT, SUMTOTAL_AMOUNT, TAX_AMOUNT, BIZ_NO,
	RESULT_CODE, RESULT_MESSAGE, CREATE_DATE, UPDATE_DATE
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN) DO UPDATE SET
	GUBUN = excluded.GUBUN,
	ATTACH_FILE = excluded.ATTACH_FILE,
	COUNTRY = excluded.COUNTRY,
	RECEIPT_TYPE = excluded.RECEIPT_TYPE,
	MERCHANT_NAME = excluded.MERCHANT_NAME,
	MERCHANT_PHONE_NO = excluded.MERCHANT_PHONE_NO,
	DELIVERY_ADDR = excluded.DELIVERY_ADDR,
	TRANSACTION_DATE = excluded.TRANSACTION_DATE,
	TRANSACTION_TIME = excluded.TRANSACTION_TIME,
	TOTAL_AMOUNT = excluded.TOTAL_AMOUNT,
	SUMTOTAL_AMOUNT = excluded.SUMTOTAL_AMOUNT,
	TAX_AMOUNT = excluded.TAX_AMOUNT,
	BIZ_NO = excluded.BIZ_NO,
	RESULT_CODE = excluded.RESULT_CODE,
	RESULT_MESSAGE = excluded.RESULT_MESSAGE,
	UPDATE_DATE = excluded.UPDATE_DATE`

const upsertItemSQL = `INSERT INTO RPA_CCR_LINE_ITEMS (
	FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN, ITEM_INDEX,
	ITEM_NAME, ITEM_QTY, ITEM_UNIT_PRICE, ITEM_TOTAL_PRICE, CONTENTS,
	CREATE_DATE, UPDATE_DATE
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (FIID, LINE_INDEX, RECEIPT_INDEX, COMMON_YN, ITEM_INDEX) DO UPDATE SET
	ITEM_NAME = excluded.ITEM_NAME,
	ITEM_QTY = excluded.ITEM_QTY,
	ITEM_UNIT_PRICE = excluded.ITEM_UNIT_PRICE,
	ITEM_TOTAL_PRICE = excluded.ITEM_TOTAL_PRICE,
	CONTENTS = excluded.CONTENTS,
	UPDATE_DATE = excluded.UPDATE_DATE`

const insertSourceSQL = `INSERT INTO LDCOM_CARDFILE_LOG (
	SYSTEM_ID, FIID, SEQ, GUBUN, APPR_COMPLT_STD_DATE, PROOF_SUM_KRW,
	ATTACH_FILE, FILE_PATH, LOAD_DATE, LOAD_TIME
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectSourcesSQL = `SELECT SYSTEM_ID, FIID, SEQ, GUBUN, APPR_COMPLT_STD_DATE, PROOF_SUM_KRW,
	ATTACH_FILE, FILE_PATH, LOAD_DATE, LOAD_TIME
FROM LDCOM_CARDFILE_LOG
WHERE LOAD_DATE = ?
ORDER BY FIID, SEQ`

const selectSummarySQL = `SELECT GUBUN, ATTACH_FILE,
	COUNTRY, RECEIPT_TYPE, MERCHANT_NAME, MERCHANT_PHONE_NO, DELIVERY_ADDR,
	TRANSACTION_DATE, TRANSACTION_TIME,
	TOTAL_AMOUNT, SUMTOTAL_AMOUNT, TAX_AMOUNT, BIZ_NO,
	RESULT_CODE, RESULT_MESSAGE, CREATE_DATE, UPDATE_DATE
FROM RPA_CCR_LINE_SUMM
WHERE FIID = ? AND LINE_INDEX = ? AND RECEIPT_INDEX = ? AND COMMON_YN = ?`

const selectItemsSQL = `SELECT ITEM_INDEX, ITEM_NAME, ITEM_QTY, ITEM_UNIT_PRICE, ITEM_TOTAL_PRICE,
	CONTENTS, CREATE_DATE, UPDATE_DATE
FROM RPA_CCR_LINE_ITEMS
WHERE FIID = ? AND LINE_INDEX = ? AND RECEIPT_INDEX = ? AND COMMON_YN = ?
ORDER BY ITEM_INDEX`

const deleteItemsSQL = `DELETE FROM RPA_CCR_LINE_ITEMS
WHERE FIID = ? AND LINE_INDEX = ? AND RECEIPT_INDEX = ? AND COMMON_YN = ?`

const deleteSummarySQL = `DELETE FROM RPA_CCR_LINE_SUMM
WHERE FIID = ? AND LINE_INDEX = ? AND RECEIPT_INDEX = ? AND COMMON_YN = ?`

const selectRecordKeysSQL = `SELECT RECEIPT_INDEX, COMMON_YN FROM RPA_CCR_LINE_SUMM
WHERE FIID = ? AND LINE_INDEX = ?
UNION
SELECT RECEIPT_INDEX, COMMON_YN FROM RPA_CCR_LINE_ITEMS
WHERE FIID = ? AND LINE_INDEX = ?`
